package programmer

import (
	"github.com/golang/glog"
	"github.com/juju/errors"
	"gopkg.in/yaml.v2"

	"flashkit/core"
)

// Erase policies for a plan.
const (
	EraseSectors = "sectors"
	EraseBank    = "bank"
	EraseNone    = "none"
)

// Plan is a YAML description of one programming session:
//
//	device: 0
//	erase: sectors
//	verify: true
//	stream: 4
//	images:
//	  - path: boot.bin
//	    address: 0x0
//	  - path: app.bin
//	    address: 0x10000
type Plan struct {
	Device uint8   `yaml:"device"`
	Erase  string  `yaml:"erase"`
	Verify bool    `yaml:"verify"`
	Stream int     `yaml:"stream"`
	Images []Image `yaml:"images"`
}

// Image is one file and where it goes.
type Image struct {
	Path    string `yaml:"path"`
	Address uint32 `yaml:"address"`
}

// LoadPlan parses a plan and checks it.
func LoadPlan(data []byte) (*Plan, error) {
	plan := &Plan{Erase: EraseSectors}
	if err := yaml.UnmarshalStrict(data, plan); err != nil {
		return nil, errors.Annotate(err, "parse plan")
	}
	switch plan.Erase {
	case EraseSectors, EraseBank, EraseNone:
	default:
		return nil, errors.NotValidf("erase policy %q", plan.Erase)
	}
	if len(plan.Images) == 0 {
		return nil, errors.NotValidf("plan without images")
	}
	return plan, nil
}

// Run executes plan. load reads an image by path.
func (p *Programmer) Run(plan *Plan, load func(path string) ([]byte, error), progress func(img Image, done, total int)) error {
	info, err := p.Info(plan.Device)
	if err != nil {
		return errors.Trace(err)
	}

	images := make([][]byte, len(plan.Images))
	for i, img := range plan.Images {
		data, err := load(img.Path)
		if err != nil {
			return errors.Annotatef(err, "load %s", img.Path)
		}
		data = Pad(data, info)
		end := uint64(img.Address) + uint64(len(data))
		if end > uint64(info.Size) {
			return errors.NotValidf("%s: ends at %#x past the %#x byte array", img.Path, end, info.Size)
		}
		images[i] = data
	}

	if plan.Erase == EraseBank {
		glog.Infof("erasing bank of dev %d", plan.Device)
		if err := p.EraseBank(plan.Device, core.BankOnly); err != nil {
			return errors.Trace(err)
		}
	}
	for i, img := range plan.Images {
		data := images[i]
		if plan.Erase == EraseSectors {
			if err := p.EraseRange(plan.Device, info, img.Address, uint32(len(data))); err != nil {
				return errors.Trace(err)
			}
		}
		glog.Infof("writing %s: %d bytes at %#x", img.Path, len(data), img.Address)
		if plan.Stream > 0 {
			err = p.Stream(plan.Device, info, img.Address, data, plan.Stream)
			if err == nil && progress != nil {
				progress(img, len(data), len(data))
			}
		} else {
			err = p.Write(plan.Device, info, img.Address, data, func(done, total int) {
				if progress != nil {
					progress(img, done, total)
				}
			})
		}
		if err != nil {
			return errors.Annotate(err, img.Path)
		}
		if plan.Verify {
			if err := p.Verify(plan.Device, info, img.Address, data); err != nil {
				return errors.Annotate(err, img.Path)
			}
		}
	}
	return nil
}
