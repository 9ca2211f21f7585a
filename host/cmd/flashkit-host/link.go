package main

import (
	"io"
	"net"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"periph.io/x/conn/v3/physic"

	"flashkit/bootloader"
	"flashkit/config"
	"flashkit/core"
	"flashkit/host/programmer"
	"flashkit/host/serial"
	"flashkit/host/spidev"
	"flashkit/sim"
	"flashkit/targets/spinor"
)

// session is a connected programmer plus whatever must be released after
// the command.
type session struct {
	*programmer.Programmer
	closers []func() error
}

func (s *session) Close() error {
	err := s.Programmer.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if cerr := s.closers[i](); err == nil {
			err = cerr
		}
	}
	return errors.Trace(err)
}

// connect opens the link selected by the flags and reads the dictionary.
func connect() (*session, error) {
	s := &session{}
	var link io.ReadWriteCloser
	switch {
	case *simFlag:
		c, closer, err := openSim()
		if err != nil {
			return nil, errors.Trace(err)
		}
		s.closers = append(s.closers, closer)
		if link, err = serveLocal(c, profile(config.TargetSim).CoreConfig()); err != nil {
			return nil, errors.Trace(err)
		}
	case *spiPort != "":
		c, closer, err := openSPI()
		if err != nil {
			return nil, errors.Trace(err)
		}
		s.closers = append(s.closers, closer)
		if link, err = serveLocal(c, profile(config.TargetSPINOR).CoreConfig()); err != nil {
			s.closers[0]()
			return nil, errors.Trace(err)
		}
	case *port != "":
		cfg := serial.DefaultConfig(*port)
		cfg.Baud = *baud
		p, err := serial.Open(cfg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		link = p
	default:
		return nil, errors.New("one of --port, --sim or --spidev is required")
	}

	s.Programmer = programmer.New(link)
	s.Timeout = *timeout
	s.Retries = *retries
	if err := s.RetrieveDictionary(); err != nil {
		s.Close()
		return nil, errors.Annotate(err, "read dictionary")
	}
	glog.V(1).Infof("connected to %s", s.Dictionary().Version)
	return s, nil
}

// profile returns --profile if given, else the built-in one for target.
func profile(target string) *config.Profile {
	if *profileArg != "" {
		data, err := os.ReadFile(*profileArg)
		if err == nil {
			var p *config.Profile
			if p, err = config.LoadProfile(data); err == nil {
				return p
			}
		}
		glog.Warningf("profile %s: %v, using built-in %s", *profileArg, err, target)
	}
	return config.DefaultProfiles()[target]
}

// geometry is the profile layout over the NOR defaults.
func geometry(target string) core.Geometry {
	return profile(target).ApplyGeometry(core.Geometry{EraseValue: 0xFF, PageProgram: true})
}

// serveLocal runs a bootloader for one device in this process and
// returns the host end of a pipe to it.
func serveLocal(ctrl core.Controller, cfg core.Config) (io.ReadWriteCloser, error) {
	devs := core.NewRegistry(1)
	if err := devs.Register(0, core.DeviceSpec{Controller: ctrl, Config: cfg}); err != nil {
		return nil, errors.Annotate(err, "register device")
	}
	if _, err := devs.Open(0); err != nil {
		return nil, errors.Annotate(err, "open device")
	}
	hostEnd, devEnd := net.Pipe()
	srv := bootloader.NewServer(devs, devEnd)
	go func() {
		if err := srv.Serve(devEnd); err != nil {
			glog.Errorf("bootloader: %v", err)
		}
	}()
	return hostEnd, nil
}

// openSim builds a simulated array, loaded from --sim-file when it exists.
// The closer saves the array back.
func openSim() (core.Controller, func() error, error) {
	nor := sim.NewNOR(geometry(config.TargetSim))
	if *simFile != "" {
		data, err := os.ReadFile(*simFile)
		switch {
		case err == nil:
			if len(data) > len(nor.Bytes()) {
				data = data[:len(nor.Bytes())]
			}
			nor.Program(0, data)
		case !os.IsNotExist(err):
			return nil, nil, errors.Annotatef(err, "load %s", *simFile)
		}
	}
	save := func() error {
		if *simFile == "" {
			return nil
		}
		return errors.Annotatef(os.WriteFile(*simFile, nor.Bytes(), 0644), "save %s", *simFile)
	}
	return sim.NewController(nor), save, nil
}

func openSPI() (core.Controller, func() error, error) {
	var clock physic.Frequency
	if err := clock.Set(*spiClock); err != nil {
		return nil, nil, errors.Annotatef(err, "--spi-clock %q", *spiClock)
	}
	bus, err := spidev.Open(spidev.Config{Port: *spiPort, CSPin: *spiCS, Clock: clock})
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	ctrl := spinor.New(bus, bus.Select, spinor.Config{
		Geometry:   geometry(config.TargetSPINOR),
		FlagStatus: *spiFlags,
	})
	id, err := ctrl.Probe()
	if err != nil {
		bus.Close()
		return nil, nil, errors.Annotate(err, "probe chip")
	}
	glog.Infof("SPI NOR id % x on %s", id[:], *spiPort)
	return ctrl, bus.Close, nil
}
