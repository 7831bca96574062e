package broadcast

// Advertisement is one observed broadcast from a sensor, as delivered by a
// Scanner. Payload bytes may sit in the manufacturer slot, the service
// slot, or both; the adapter tries them in that order.
type Advertisement struct {
	// Address identifies the transmitting device on the radio medium.
	Address string
	// RSSI is the received signal strength in dBm.
	RSSI             int
	ManufacturerData []byte
	ServiceData      []byte
}

// Callbacks carries the functions a Scanner invokes as the radio produces
// events. Both callbacks may be invoked from the scanner's own goroutine
// and must not block.
type Callbacks struct {
	// OnAdvertisement delivers one observed broadcast. Scanners only
	// deliver between StartScan and StopScan.
	OnAdvertisement func(Advertisement)
	// OnPowerState reports radio power transitions. Scanners report the
	// initial power state during Open.
	OnPowerState func(powered bool)
}

// Scanner abstracts the radio (or a bridge standing in for one) that
// observes sensor advertisements.
//
// Open prepares the scanner and registers callbacks; no advertisements
// flow until StartScan. StartScan errors wrapping ErrNotAuthorized or
// ErrUnsupported are terminal for the platform; anything else is treated
// as recoverable. After Close returns no further callbacks are invoked.
type Scanner interface {
	Open(cb Callbacks) error
	StartScan() error
	StopScan() error
	Close() error
}
