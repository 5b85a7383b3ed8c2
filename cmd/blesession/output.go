package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/blesession/pkg/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"
)

// Output formats
const (
	outputAuto = "auto"
	outputText = "text"
	outputJSON = "json"
)

type field struct {
	key   string
	value any
}

func f(key string, value any) field {
	return field{key: key, value: value}
}

// printer writes one record per line: colored "event key=value" text on a
// terminal, JSON objects with keys in insertion order otherwise.
// It is safe for concurrent use.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool

	event *color.Color
	key   *color.Color
	warn  *color.Color
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	tty := isTerminal(w)
	p := &printer{
		w:     w,
		event: color.New(color.FgCyan, color.Bold),
		key:   color.New(color.FgHiBlack),
		warn:  color.New(color.FgYellow),
	}
	switch format {
	case outputAuto, "":
		p.json = !tty
	case outputJSON:
		p.json = true
	case outputText:
	default:
		return nil, fmt.Errorf("invalid output format %q: must be one of auto, text, json", format)
	}
	if !tty {
		for _, c := range []*color.Color{p.event, p.key, p.warn} {
			c.DisableColor()
		}
	}
	return p, nil
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

// record prints a single event line. Empty values are left out.
func (p *printer) record(event string, fields ...field) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		m := orderedmap.New[string, any]()
		m.Set("event", event)
		for _, fl := range fields {
			if !isEmpty(fl.value) {
				m.Set(fl.key, fl.value)
			}
		}
		return json.NewEncoder(p.w).Encode(m)
	}

	var b strings.Builder
	b.WriteString(p.event.Sprintf("%-18s", event))
	for _, fl := range fields {
		if isEmpty(fl.value) {
			continue
		}
		fmt.Fprintf(&b, " %s%v", p.key.Sprint(fl.key+"="), textValue(fl.value))
	}
	_, err := fmt.Fprintln(p.w, strings.TrimRight(b.String(), " "))
	return err
}

// services prints a GATT tree.
func (p *printer) services(services []device.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(servicesJSON(services))
	}

	var b strings.Builder
	for _, svc := range services {
		kind := "secondary"
		if svc.Primary {
			kind = "primary"
		}
		fmt.Fprintf(&b, "%s %s\n", p.event.Sprint(device.ShortUUID(svc.UUID)), p.key.Sprint("("+kind+")"))
		for _, c := range svc.Characteristics {
			fmt.Fprintf(&b, "  %s [%s]\n", device.ShortUUID(c.UUID), c.Properties)
			for _, d := range c.Descriptors {
				fmt.Fprintf(&b, "    %s\n", device.ShortUUID(d.UUID))
			}
		}
	}
	if len(services) == 0 {
		b.WriteString(p.warn.Sprint("No services discovered") + "\n")
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

func servicesJSON(services []device.Service) []*orderedmap.OrderedMap[string, any] {
	out := make([]*orderedmap.OrderedMap[string, any], 0, len(services))
	for _, svc := range services {
		chars := make([]*orderedmap.OrderedMap[string, any], 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			descs := make([]string, 0, len(c.Descriptors))
			for _, d := range c.Descriptors {
				descs = append(descs, device.ShortUUID(d.UUID))
			}
			props := c.Properties.Names()
			if props == nil {
				props = []string{}
			}
			cm := orderedmap.New[string, any]()
			cm.Set("uuid", device.ShortUUID(c.UUID))
			cm.Set("properties", props)
			cm.Set("descriptors", descs)
			chars = append(chars, cm)
		}
		sm := orderedmap.New[string, any]()
		sm.Set("uuid", device.ShortUUID(svc.UUID))
		sm.Set("primary", svc.Primary)
		sm.Set("characteristics", chars)
		out = append(out, sm)
	}
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	case map[string]string:
		return len(x) == 0
	case *int16:
		return x == nil
	}
	return false
}

func textValue(v any) any {
	switch x := v.(type) {
	case []string:
		return strings.Join(x, ",")
	case *int16:
		return *x
	case map[string]string:
		parts := make([]string, 0, len(x))
		for k, val := range x {
			parts = append(parts, k+":"+val)
		}
		slices.Sort(parts)
		return strings.Join(parts, ",")
	}
	return v
}
