package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"flashkit/core"
	"flashkit/host/programmer"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
)

// withSession runs fn on a fresh connection.
func withSession(fn func(s *session) error) error {
	s, err := connect()
	if err != nil {
		return errors.Trace(err)
	}
	err = fn(s)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return errors.Trace(err)
}

func progressBar(label string) func(done, total int) {
	return func(done, total int) {
		if total == 0 {
			return
		}
		fmt.Fprintf(os.Stderr, "\r%s %d/%d bytes (%d%%)", label, done, total, done*100/total)
		if done == total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

func cmdInfo() error {
	return withSession(func(s *session) error {
		info, err := s.Info(*devFlag)
		if err != nil {
			return errors.Trace(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		fmt.Fprintf(w, "device\t%d\n", *devFlag)
		fmt.Fprintf(w, "size\t%#x (%d KiB)\n", info.Size, info.Size/1024)
		fmt.Fprintf(w, "sector\t%d\n", info.SectorSize)
		fmt.Fprintf(w, "page\t%d\n", info.PageSize)
		fmt.Fprintf(w, "word\t%d\n", info.WordSize)
		fmt.Fprintf(w, "erase value\t%#02x\n", info.EraseValue)
		fmt.Fprintf(w, "mode\t%s\n", info.Mode)
		return w.Flush()
	})
}

func cmdDict() error {
	return withSession(func(s *session) error {
		dict := s.Dictionary()
		fmt.Printf("version: %s (%s)\n", dict.Version, dict.BuildVersions)
		printSorted("config", dict.Config)
		printIDs("commands", dict.Commands)
		printIDs("responses", dict.Responses)
		return nil
	})
}

func printSorted(title string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%s:\n", title)
	for _, k := range keys {
		fmt.Printf("  %s = %s\n", k, m[k])
	}
}

func printIDs(title string, m map[string]int) {
	specs := make([]string, 0, len(m))
	for k := range m {
		specs = append(specs, k)
	}
	sort.Slice(specs, func(i, j int) bool { return m[specs[i]] < m[specs[j]] })
	fmt.Printf("%s:\n", title)
	for _, spec := range specs {
		fmt.Printf("  %3d  %s\n", m[spec], spec)
	}
}

func readImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read %s", path)
	}
	return data, nil
}

func cmdWrite() error {
	image, err := readImage(flag1())
	if err != nil {
		return errors.Trace(err)
	}
	plan := &programmer.Plan{
		Device: *devFlag,
		Erase:  *erase,
		Verify: *verify,
		Stream: *stream,
		Images: []programmer.Image{{Path: flag1(), Address: *addr}},
	}
	return withSession(func(s *session) error {
		return runPlan(s, plan, func(string) ([]byte, error) { return image, nil })
	})
}

func cmdPlan() error {
	data, err := readImage(flag1())
	if err != nil {
		return errors.Trace(err)
	}
	plan, err := programmer.LoadPlan(data)
	if err != nil {
		return errors.Trace(err)
	}
	return withSession(func(s *session) error {
		return runPlan(s, plan, readImage)
	})
}

func runPlan(s *session, plan *programmer.Plan, load func(string) ([]byte, error)) error {
	switch plan.Erase {
	case programmer.EraseSectors, programmer.EraseBank, programmer.EraseNone:
	default:
		return errors.NotValidf("--erase %q", plan.Erase)
	}
	bars := make(map[string]func(int, int))
	err := s.Run(plan, load, func(img programmer.Image, done, total int) {
		bar, ok := bars[img.Path]
		if !ok {
			bar = progressBar(img.Path)
			bars[img.Path] = bar
		}
		bar(done, total)
	})
	if err != nil {
		return errors.Trace(err)
	}
	msg := "written"
	if plan.Verify {
		msg = "written and verified"
	}
	okColor.Printf("%d image(s) %s\n", len(plan.Images), msg)
	return nil
}

func cmdRead() error {
	return withSession(func(s *session) error {
		data, err := s.Read(*devFlag, *addr, *length)
		if err != nil {
			return errors.Trace(err)
		}
		if *out == "" {
			for off := 0; off < len(data); off += 16 {
				n := 16
				if n > len(data)-off {
					n = len(data) - off
				}
				fmt.Printf("%08x  % x\n", *addr+uint32(off), data[off:off+n])
			}
			return nil
		}
		return errors.Annotatef(os.WriteFile(*out, data, 0644), "write %s", *out)
	})
}

func cmdVerify() error {
	image, err := readImage(flag1())
	if err != nil {
		return errors.Trace(err)
	}
	return withSession(func(s *session) error {
		info, err := s.Info(*devFlag)
		if err != nil {
			return errors.Trace(err)
		}
		if err := s.Verify(*devFlag, info, *addr, image); err != nil {
			return errors.Trace(err)
		}
		okColor.Printf("%s matches at %#x\n", flag1(), *addr)
		return nil
	})
}

func cmdErase() error {
	return withSession(func(s *session) error {
		if err := s.Erase(*devFlag, *start, *end); err != nil {
			return errors.Trace(err)
		}
		okColor.Printf("erased sectors %d-%d\n", *start, *end)
		return nil
	})
}

func cmdEraseBank() error {
	mode := core.BankOnly
	if *withInfo {
		mode = core.BankWithInfo
	}
	return withSession(func(s *session) error {
		if err := s.EraseBank(*devFlag, mode); err != nil {
			return errors.Trace(err)
		}
		okColor.Println("bank erased")
		return nil
	})
}

func cmdStats() error {
	return withSession(func(s *session) error {
		st, err := s.Stats(*devFlag)
		if err != nil {
			return errors.Trace(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		fmt.Fprintf(w, "commands\t%d\n", st.Commands)
		fmt.Fprintf(w, "bytes written\t%d\n", st.BytesWritten)
		fmt.Fprintf(w, "sectors erased\t%d\n", st.SectorsErased)
		fmt.Fprintf(w, "errors\t%d\n", st.Errors)
		fmt.Fprintf(w, "timeouts\t%d\n", st.Timeouts)
		fmt.Fprintf(w, "aborts\t%d\n", st.Aborts)
		if err := w.Flush(); err != nil {
			return err
		}
		if st.Errors+st.Timeouts+st.Aborts > 0 {
			warnColor.Println("device reported failures")
		}
		return nil
	})
}

// flag1 is the first argument after the command name.
func flag1() string {
	return flag.Arg(1)
}
