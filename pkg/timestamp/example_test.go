package timestamp_test

import (
	"fmt"
	"time"

	"github.com/c360/envgate/pkg/timestamp"
)

// Socket lines carry fractional Unix seconds; the conversion keeps the
// sub-second part.
func ExampleFromUnixSeconds() {
	t := timestamp.FromUnixSeconds(1673785845.5)
	fmt.Println(t.UTC().Format(time.RFC3339Nano))

	// Output:
	// 2023-01-15T12:30:45.5Z
}

func ExampleToUnixMs() {
	t := time.Date(2023, 1, 15, 12, 30, 45, 123000000, time.UTC)
	fmt.Println(timestamp.ToUnixMs(t))

	// Output:
	// 1673785845123
}

func ExampleFromUnixMs() {
	t := timestamp.FromUnixMs(1673785845123)
	fmt.Println(t.UTC().Format(time.RFC3339))
	fmt.Println(timestamp.FromUnixMs(0).IsZero())

	// Output:
	// 2023-01-15T12:30:45Z
	// true
}
