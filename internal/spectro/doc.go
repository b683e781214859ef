// Package spectro provides spectrometer channel acquisition behind a
// narrow device seam.
//
// A Channel wraps one physical spectrometer and exposes exactly what the
// acquisition protocol needs: the wavelength axis, an integration-time
// setter (clamped to the hardware limits), and a blocking single-shot
// read that stamps its timestamp the moment the driver call returns.
//
// # Quick Start
//
// Bind a channel to a device and take one spectrum:
//
//	dev := spectro.NewSimDevice(spectro.SimConfig{
//	    Serial: "SIM-REF-001",
//	    Pixels: 2048,
//	    Level:  1000,
//	})
//
//	ch, err := spectro.Bind("reference", dev)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ch.Close()
//
//	ch.SetIntegrationTime(spectro.MicrosFromMillis(5.0))
//	ts, intensities, err := ch.AcquireOne()
//
// # Device Seam
//
// The Device interface is the boundary a native SDK binding plugs into
// (USB enumeration, firmware queries, raw reads). This repository ships
// SimDevice, a deterministic simulated spectrometer used by the CLIs'
// sim mode and by the test suites. A Driver enumerates attached devices
// and opens them by serial number.
//
// # Concurrency
//
// A Channel performs no internal locking around the blocking read; the
// acquisition protocol guarantees a channel is never read concurrently
// with itself. Close is safe against a concurrent read in the sense
// that the read in flight completes against the device it started with.
package spectro
