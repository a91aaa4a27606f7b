// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/rest"
)

/*
   Our screen has the following appearance:

    Server: http://127.0.0.1:5001   poolvisord                        live
    2 of 2 ready   sync   up 4d10m32s
   ____________________________________________________________________________
     ID     PID STATE        SERVED   RECYCLE        AGE STATUS
      7    4711 ready           132       941         5s Serving
      8    4712 draining        960       960         0s Recycling: manual
   ____________________________________________________________________________
   [Q]uit [R]ecycle [Up/Down] select
*/

// snapshot is what the refresher hands to the screen loop.
type snapshot struct {
	info    *poolvisor.Info
	workers []poolvisor.WorkerInfo
	err     error
}

type top struct {
	screen   tcell.Screen
	client   *rest.Client
	url      string
	snap     snapshot
	selected int
	message  string
}

var (
	styleNormal = tcell.StyleDefault
	styleTitle  = tcell.StyleDefault.Bold(true)
	styleBar    = tcell.StyleDefault.Reverse(true)
	styleSel    = tcell.StyleDefault.Reverse(true)
	styleGood   = tcell.StyleDefault.Foreground(tcell.ColorGreen)
	styleWarn   = tcell.StyleDefault.Foreground(tcell.ColorYellow)
	styleBad    = tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
)

func stateStyle(state string) tcell.Style {
	switch state {
	case "ready":
		return styleGood
	case "starting", "draining":
		return styleWarn
	case "crashed":
		return styleBad
	}
	return styleNormal
}

func (t *top) puts(x, y int, style tcell.Style, s string) {
	w, _ := t.screen.Size()
	for _, r := range s {
		if x >= w {
			return
		}
		t.screen.SetContent(x, y, r, nil, style)
		x++
	}
}

func (t *top) fill(y int, style tcell.Style) {
	w, _ := t.screen.Size()
	for x := 0; x < w; x++ {
		t.screen.SetContent(x, y, ' ', nil, style)
	}
}

func (t *top) draw() {
	t.screen.Clear()
	_, h := t.screen.Size()

	t.puts(0, 0, styleTitle, "Server: "+t.url)
	if i := t.snap.info; i != nil {
		t.puts(len(t.url)+12, 0, styleTitle, i.Name)
		switch {
		case i.Stopping:
			t.puts(len(t.url)+14+len(i.Name), 0, styleWarn, "stopping")
		case i.Live:
			t.puts(len(t.url)+14+len(i.Name), 0, styleGood, "live")
		default:
			t.puts(len(t.url)+14+len(i.Name), 0, styleBad, "down")
		}
		line := fmt.Sprintf("%d of %d ready   %s   up %s", i.Ready, i.Target,
			i.Class, age(i.CreateTime))
		if i.Throttled {
			line += "   restarts throttled"
		}
		t.puts(0, 1, styleNormal, line)
	}
	if t.snap.err != nil {
		t.puts(0, 1, styleBad, t.snap.err.Error())
	}

	t.fill(2, styleBar)
	t.puts(0, 2, styleBar, fmt.Sprintf("%4s %7s %-9s %9s %9s %10s %s",
		"ID", "PID", "STATE", "SERVED", "RECYCLE", "AGE", "STATUS"))

	y := 3
	for i, w := range t.snap.workers {
		if y >= h-1 {
			break
		}
		style := stateStyle(w.State)
		if i == t.selected {
			style = styleSel
			t.fill(y, style)
		}
		recycle := "-"
		if w.Threshold > 0 {
			recycle = fmt.Sprint(w.Threshold)
		}
		t.puts(0, y, style, fmt.Sprintf("%4d %7d %-9s %9d %9s %10s %s",
			w.ID, w.Pid, w.State, w.Served, recycle, age(w.TimeStamp), w.Status))
		y++
	}

	t.fill(h-1, styleBar)
	bar := "[Q]uit [R]ecycle [Up/Down] select"
	if t.message != "" {
		bar += "   " + t.message
	}
	t.puts(0, h-1, styleBar, bar)
	t.screen.Show()
}

// refresh follows the pool with long polls, posting each change to the
// screen loop.
func (t *top) refresh(ctx context.Context) {
	etag := ""
	for ctx.Err() == nil {
		info, tag, e := t.client.WatchInfo(ctx, etag, time.Minute)
		if e != nil {
			t.screen.PostEvent(tcell.NewEventInterrupt(snapshot{err: e}))
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if info == nil {
			continue
		}
		etag = tag
		ws, e := t.client.Workers(ctx)
		t.screen.PostEvent(tcell.NewEventInterrupt(snapshot{info: info, workers: ws, err: e}))
	}
}

// tick redraws every second, so that ages stay current.
func (t *top) tick(ctx context.Context) {
	tk := time.NewTicker(time.Second)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.screen.PostEvent(tcell.NewEventInterrupt(nil))
		}
	}
}

func (t *top) recycle() {
	if t.selected >= len(t.snap.workers) {
		return
	}
	id := t.snap.workers[t.selected].ID
	go func() {
		msg := fmt.Sprintf("recycling worker %d", id)
		if e := t.client.Recycle(context.Background(), id); e != nil {
			msg = fmt.Sprintf("recycle %d: %v", id, e)
		}
		t.screen.PostEvent(tcell.NewEventInterrupt(msg))
	}()
}

func (t *top) handle(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventInterrupt:
		switch d := ev.Data().(type) {
		case snapshot:
			if d.info != nil {
				t.snap = d
			} else {
				t.snap.err = d.err
			}
			if t.selected >= len(t.snap.workers) && t.selected > 0 {
				t.selected = len(t.snap.workers) - 1
			}
		case string:
			t.message = d
		}
	case *tcell.EventResize:
		t.screen.Sync()
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyCtrlC, tcell.KeyEscape:
			return false
		case tcell.KeyCtrlL:
			t.screen.Sync()
		case tcell.KeyUp:
			if t.selected > 0 {
				t.selected--
			}
		case tcell.KeyDown:
			if t.selected < len(t.snap.workers)-1 {
				t.selected++
			}
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'q', 'Q':
				return false
			case 'r', 'R':
				t.recycle()
			}
		}
	}
	t.draw()
	return true
}

func doTop(client *rest.Client, url string) error {
	screen, e := tcell.NewScreen()
	if e != nil {
		return e
	}
	if e := screen.Init(); e != nil {
		return e
	}
	defer screen.Fini()

	t := &top{screen: screen, client: client, url: url}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go t.refresh(ctx)
	go t.tick(ctx)

	t.draw()
	for {
		ev := screen.PollEvent()
		if ev == nil || !t.handle(ev) {
			return nil
		}
	}
}
