package buffer

import (
	"testing"
)

// BenchmarkBufferWrite benchmarks Write across the two overflow policies.
func BenchmarkBufferWrite(b *testing.B) {
	oldest, err := NewCircularBuffer[int](1000, WithOverflowPolicy[int](DropOldest))
	if err != nil {
		b.Fatal(err)
	}
	newest, err := NewCircularBuffer[int](1000, WithOverflowPolicy[int](DropNewest))
	if err != nil {
		b.Fatal(err)
	}

	benchmarks := []struct {
		name   string
		buffer Buffer[int]
	}{
		{"DropOldest", oldest},
		{"DropNewest", newest},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			buffer := bm.buffer
			defer buffer.Close()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					_ = buffer.Write(i)
					i++
				}
			})
		})
	}
}

// BenchmarkBufferReadWrite benchmarks mixed producer/consumer traffic.
func BenchmarkBufferReadWrite(b *testing.B) {
	buf, err := NewCircularBuffer[int](1000)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i%2 == 0 {
				_ = buf.Write(i)
			} else {
				buf.Read()
			}
			i++
		}
	})
}

// BenchmarkBufferReadBatch benchmarks batch draining, the egress hot path.
func BenchmarkBufferReadBatch(b *testing.B) {
	buf, err := NewCircularBuffer[int](1000)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Close()

	for i := 0; i < 1000; i++ {
		_ = buf.Write(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		batch := buf.ReadBatch(100)
		for _, v := range batch {
			_ = buf.Write(v)
		}
	}
}
