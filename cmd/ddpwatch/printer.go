package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/lightforgemedia/go-ddp/pkg/collection"
	"github.com/lightforgemedia/go-ddp/pkg/ejson"
)

// printer writes one line per collection event:
//
//	+ lists/a {"name":"x"}
//	~ lists/a {"name":"y"} -[done]
//	- lists/a
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	now  func() time.Time
	time *color.Color
	add  *color.Color
	chg  *color.Color
	rem  *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:  out,
		now:  time.Now,
		time: color.New(color.FgHiBlack),
		add:  color.New(color.FgGreen),
		chg:  color.New(color.FgYellow),
		rem:  color.New(color.FgRed),
	}
}

func (p *printer) event(ev collection.Event) {
	var line string
	switch ev.Type {
	case collection.EventAdded:
		line = p.add.Sprintf("+ %s/%s", ev.Collection, ev.ID) + " " + fields(ev.Fields)
	case collection.EventChanged:
		line = p.chg.Sprintf("~ %s/%s", ev.Collection, ev.ID)
		if len(ev.Fields) > 0 {
			line += " " + fields(ev.Fields)
		}
		if len(ev.Cleared) > 0 {
			line += " " + p.chg.Sprintf("-[%s]", strings.Join(ev.Cleared, ","))
		}
	case collection.EventRemoved:
		line = p.rem.Sprintf("- %s/%s", ev.Collection, ev.ID)
	default:
		line = fmt.Sprintf("? %s/%s", ev.Collection, ev.ID)
	}
	p.line(line)
}

func (p *printer) status(format string, args ...any) {
	p.line(color.CyanString(format, args...))
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", p.time.Sprint(p.now().Format("15:04:05.000")), s)
}

// fields renders document fields as EJSON. encoding/json sorts map keys.
func fields(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := ejson.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(b)
}
