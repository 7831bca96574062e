package component

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LifecycleFactory creates a new instance of a LifecycleComponent for testing
type LifecycleFactory func() LifecycleComponent

// StandardLifecycleTests runs the shared lifecycle conformance tests for any
// component that implements LifecycleComponent. Component test packages call
// this with a factory producing an isolated instance (no shared network
// resources) so the suite can start and stop instances freely.
func StandardLifecycleTests(t *testing.T, factory LifecycleFactory) {
	t.Run("Compliance", func(t *testing.T) {
		testLifecycleCompliance(t, factory)
	})
	t.Run("ContextErrors", func(t *testing.T) {
		testContextErrors(t, factory)
	})
	t.Run("Concurrent", func(t *testing.T) {
		testConcurrentLifecycle(t, factory)
	})
	t.Run("NoLeaks", func(t *testing.T) {
		testNoResourceLeaks(t, factory)
	})
}

// testLifecycleCompliance tests standard lifecycle state transitions
func testLifecycleCompliance(t *testing.T, factory LifecycleFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, comp LifecycleComponent)
	}{
		{"Initialize", func(t *testing.T, comp LifecycleComponent) {
			assert.NoError(t, comp.Initialize(), "Initialize should succeed on fresh component")
		}},
		{"StartAfterInitialize", func(t *testing.T, comp LifecycleComponent) {
			require.NoError(t, comp.Initialize())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			assert.NoError(t, comp.Start(ctx), "Start should succeed after Initialize")
			assert.NoError(t, comp.Stop(5*time.Second), "Stop should succeed after Start")
		}},
		{"StopWithoutStart", func(t *testing.T, comp LifecycleComponent) {
			assert.NoError(t, comp.Stop(5*time.Second), "Stop should be safe without Start")
		}},
		{"DoubleStart", func(t *testing.T, comp LifecycleComponent) {
			require.NoError(t, comp.Initialize())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			require.NoError(t, comp.Start(ctx))
			assert.Error(t, comp.Start(ctx), "second Start should be rejected")
			assert.NoError(t, comp.Stop(5*time.Second))
		}},
		{"DoubleStop", func(t *testing.T, comp LifecycleComponent) {
			require.NoError(t, comp.Initialize())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			require.NoError(t, comp.Start(ctx))
			assert.NoError(t, comp.Stop(5*time.Second), "first Stop should succeed")
			assert.NoError(t, comp.Stop(5*time.Second), "second Stop should be idempotent")
		}},
		{"StartWithoutInit", func(t *testing.T, comp LifecycleComponent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// Either implicit initialization or a clear error is acceptable
			err := comp.Start(ctx)
			if err != nil {
				assert.Contains(t, err.Error(), "not initialized",
					"error should indicate component not initialized")
			} else {
				assert.NoError(t, comp.Stop(5*time.Second))
			}
		}},
		{"InitializeAfterStop", func(t *testing.T, comp LifecycleComponent) {
			require.NoError(t, comp.Initialize())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			require.NoError(t, comp.Start(ctx))
			require.NoError(t, comp.Stop(5*time.Second))

			assert.NoError(t, comp.Initialize(), "Initialize should succeed after Stop")
		}},
		{"RestartAfterStop", func(t *testing.T, comp LifecycleComponent) {
			require.NoError(t, comp.Initialize())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			require.NoError(t, comp.Start(ctx))
			require.NoError(t, comp.Stop(5*time.Second))

			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()

			// Components require re-initialization after Stop
			if err := comp.Start(ctx2); err != nil {
				require.NoError(t, comp.Initialize(), "re-initialize should succeed after Stop")
				assert.NoError(t, comp.Start(ctx2), "Start should succeed after re-initialization")
			}
			assert.NoError(t, comp.Stop(5*time.Second))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := factory()
			require.NotNil(t, comp, "Component factory returned nil")
			tt.test(t, comp)
		})
	}
}

// testContextErrors verifies that Start honors already-dead contexts
func testContextErrors(t *testing.T, factory LifecycleFactory) {
	t.Run("cancelled_context_on_start", func(t *testing.T) {
		comp := factory()
		require.NoError(t, comp.Initialize())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := comp.Start(ctx)
		require.Error(t, err, "Start with cancelled context should fail")
		assert.True(t,
			strings.Contains(err.Error(), "context") || strings.Contains(err.Error(), "cancel"),
			"error should mention context cancellation: %v", err)

		assert.NoError(t, comp.Stop(5*time.Second))
	})

	t.Run("expired_context_on_start", func(t *testing.T) {
		comp := factory()
		require.NoError(t, comp.Initialize())

		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		time.Sleep(10 * time.Millisecond)

		err := comp.Start(ctx)
		require.Error(t, err, "Start with expired context should fail")
		assert.True(t,
			strings.Contains(err.Error(), "context") || strings.Contains(err.Error(), "deadline"),
			"error should mention context expiry: %v", err)

		assert.NoError(t, comp.Stop(5*time.Second))
	})
}

// testConcurrentLifecycle tests concurrent operations on lifecycle methods
func testConcurrentLifecycle(t *testing.T, factory LifecycleFactory) {
	t.Run("ConcurrentStartStop", func(t *testing.T) {
		comp := factory()
		require.NotNil(t, comp, "Component factory returned nil")
		require.NoError(t, comp.Initialize())

		var wg sync.WaitGroup
		startErrs := make([]error, 20)
		stopErrs := make([]error, 20)

		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func(idx int) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				startErrs[idx] = comp.Start(ctx)
			}(i)
			go func(idx int) {
				defer wg.Done()
				time.Sleep(5 * time.Millisecond) // give starts a chance
				stopErrs[idx] = comp.Stop(5 * time.Second)
			}(i)
		}
		wg.Wait()

		// No panics, exactly one Start per started session, and Stop never errors
		successfulStarts := 0
		for _, err := range startErrs {
			if err == nil {
				successfulStarts++
			}
		}
		assert.GreaterOrEqual(t, successfulStarts, 1, "at least one Start should succeed")
		for _, err := range stopErrs {
			assert.NoError(t, err, "Stop should never fail under contention")
		}

		_ = comp.Stop(5 * time.Second)
	})

	t.Run("ConcurrentInitialize", func(t *testing.T) {
		comp := factory()
		require.NotNil(t, comp, "Component factory returned nil")

		var wg sync.WaitGroup
		errs := make([]error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				errs[idx] = comp.Initialize()
			}(i)
		}
		wg.Wait()

		successCount := 0
		for _, err := range errs {
			if err == nil {
				successCount++
			}
		}
		assert.GreaterOrEqual(t, successCount, 1, "at least one Initialize should succeed")
		assert.NoError(t, comp.Stop(5*time.Second))
	})

	t.Run("StressTest", func(t *testing.T) {
		if testing.Short() {
			t.Skip("Skipping stress test in short mode")
		}

		const iterations = 25
		const concurrency = 8

		var wg sync.WaitGroup
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < iterations; j++ {
					comp := factory()
					switch j % 3 {
					case 0:
						_ = comp.Initialize()
						ctx, cancel := context.WithTimeout(context.Background(), time.Second)
						_ = comp.Start(ctx)
						cancel()
						_ = comp.Stop(5 * time.Second)
					case 1:
						_ = comp.Initialize()
						_ = comp.Stop(5 * time.Second)
					case 2:
						_ = comp.Stop(5 * time.Second)
					}
				}
			}()
		}
		wg.Wait()
	})
}

// testNoResourceLeaks tests for goroutine and memory leaks across many
// lifecycle iterations
func testNoResourceLeaks(t *testing.T, factory LifecycleFactory) {
	if testing.Short() {
		t.Skip("Skipping resource leak test in short mode")
	}

	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	initialGoroutines := runtime.NumGoroutine()

	var m1 runtime.MemStats
	runtime.ReadMemStats(&m1)

	const iterations = 200
	for i := 0; i < iterations; i++ {
		comp := factory()
		require.NotNil(t, comp, "Component factory returned nil")

		if err := comp.Initialize(); err != nil {
			t.Logf("Initialize failed on iteration %d: %v", i, err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if err := comp.Start(ctx); err != nil {
			t.Logf("Start failed on iteration %d: %v", i, err)
		}
		if err := comp.Stop(5 * time.Second); err != nil {
			t.Logf("Stop failed on iteration %d: %v", i, err)
		}
		cancel()

		if i%50 == 49 {
			runtime.GC()
			time.Sleep(10 * time.Millisecond)
		}
	}

	runtime.GC()
	time.Sleep(200 * time.Millisecond)

	var m2 runtime.MemStats
	runtime.ReadMemStats(&m2)
	finalGoroutines := runtime.NumGoroutine()

	growth := int64(m2.Alloc) - int64(m1.Alloc)
	if growth > 50*1024*1024 {
		t.Errorf("Memory grew by %d bytes (%.2f MB), expected < 50MB", growth, float64(growth)/(1024*1024))
	}

	goroutineGrowth := finalGoroutines - initialGoroutines
	if goroutineGrowth > 5 {
		t.Errorf("Goroutine count grew by %d (initial: %d, final: %d), expected growth < 5",
			goroutineGrowth, initialGoroutines, finalGoroutines)
	}
}

// ErrorInjectingComponent wraps a component to inject errors for testing
type ErrorInjectingComponent struct {
	LifecycleComponent
	initError  error
	startError error
	stopError  error
}

// NewErrorInjectingComponent creates a component wrapper that can inject
// errors for testing
func NewErrorInjectingComponent(comp LifecycleComponent) *ErrorInjectingComponent {
	return &ErrorInjectingComponent{LifecycleComponent: comp}
}

// InjectInitializeError configures the wrapper to return err on Initialize
func (e *ErrorInjectingComponent) InjectInitializeError(err error) {
	e.initError = err
}

// InjectStartError configures the wrapper to return err on Start
func (e *ErrorInjectingComponent) InjectStartError(err error) {
	e.startError = err
}

// InjectStopError configures the wrapper to return err on Stop
func (e *ErrorInjectingComponent) InjectStopError(err error) {
	e.stopError = err
}

// Initialize returns the injected error if configured
func (e *ErrorInjectingComponent) Initialize() error {
	if e.initError != nil {
		return e.initError
	}
	return e.LifecycleComponent.Initialize()
}

// Start returns the injected error if configured
func (e *ErrorInjectingComponent) Start(ctx context.Context) error {
	if e.startError != nil {
		return e.startError
	}
	return e.LifecycleComponent.Start(ctx)
}

// Stop returns the injected error if configured
func (e *ErrorInjectingComponent) Stop(timeout time.Duration) error {
	if e.stopError != nil {
		return e.stopError
	}
	return e.LifecycleComponent.Stop(timeout)
}
