package broker

import (
	"github.com/ironpi/spi-hub/internal/busmodel"
	"github.com/ironpi/spi-hub/internal/devqueue"
)

// ChainEntry is one run of identical devices in the declared chain.
type ChainEntry struct {
	Model string
	Count int
}

// DeclaredChain is the physical topology this broker is built for: one
// iron-pi-cm8 at id 1, followed by four iron-pi-io16 at ids 2..5. Every
// bus is probed against this same declared chain independently.
var DeclaredChain = []ChainEntry{
	{Model: "iron-pi-cm8", Count: 1},
	{Model: "iron-pi-io16", Count: 4},
}

// newDeclaredDevices returns a fresh set of devices for one bus,
// enumerated in declared-chain order starting at id 1.
func newDeclaredDevices() []*busmodel.Device {
	var devices []*busmodel.Device
	id := uint8(1)
	for _, entry := range DeclaredChain {
		for i := 0; i < entry.Count; i++ {
			devices = append(devices, &busmodel.Device{
				ID:    id,
				Info:  busmodel.DeviceInfo{Model: entry.Model},
				Queue: devqueue.New(),
			})
			id++
		}
	}
	return devices
}
