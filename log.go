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

package poolvisor

import (
	"bytes"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is one structured log line kept by the supervisor.
type LogRecord struct {
	ID      int64     `json:"id,string"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Worker  int       `json:"worker,omitempty"`
	Message string    `json:"message"`
	Text    string    `json:"text"`
}

// logLine is the subset of a zerolog JSON line that we index.
type logLine struct {
	Level   string `json:"level"`
	Worker  int    `json:"worker"`
	Message string `json:"message"`
}

// Log is a bounded ring of recent log records.  It is an io.Writer, so
// that it can be one of the outputs of a zerolog logger.  Each write
// advances an id, which clients use as an Etag.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

// Write implements io.Writer.  Every newline terminated line becomes a
// record; lines that are not JSON are kept verbatim.
func (l *Log) Write(b []byte) (int, error) {
	now := time.Now()
	l.mx.Lock()
	for _, line := range bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var ll logLine
		if json.Unmarshal(line, &ll) != nil {
			ll = logLine{Message: string(line)}
		}
		l.id++
		// NB: numRecords may exceed maxRecords; it is the next slot.
		l.records[l.numRecords%l.maxRecords] = LogRecord{
			ID:      l.id,
			Time:    now,
			Level:   ll.Level,
			Worker:  ll.Worker,
			Message: ll.Message,
			Text:    string(line),
		}
		l.numRecords++
	}
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
	return len(b), nil
}

// Clear discards all records.
func (l *Log) Clear() {
	l.mx.Lock()
	l.numRecords = 0
	// Ids must keep moving forward, so that cached Etags are invalid.
	l.id = time.Now().UnixNano()
	l.mx.Unlock()
}

// GetRecords returns the stored records, oldest first, and the current
// id.  If last equals the current id then nothing has changed, and nil
// is returned without copying.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.id == last {
		return nil, last
	}
	cnt := l.numRecords
	if cnt > l.maxRecords {
		cnt = l.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	for i := l.numRecords - cnt; i < l.numRecords; i++ {
		recs = append(recs, l.records[i%l.maxRecords])
	}
	return recs, l.id
}

// Watch waits up to expire for the id to move past last, and returns
// the id at that point.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&l.mx)
	var timer *time.Timer
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			cv.Broadcast()
			l.mx.Unlock()
		})
	} else {
		expired = true
	}

	l.mx.Lock()
	l.cvs[cv] = true
	for l.id == last && !expired {
		cv.Wait()
	}
	delete(l.cvs, cv)
	last = l.id
	l.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewLog returns a Log holding up to max records, or MaxLogRecords if
// max is not positive.
func NewLog(max int) *Log {
	if max <= 0 {
		max = MaxLogRecords
	}
	return &Log{
		records:    make([]LogRecord, max),
		maxRecords: max,
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
}
