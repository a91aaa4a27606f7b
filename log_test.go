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
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

func TestLog(t *testing.T) {
	Convey("Given a log of three records", t, func() {
		l := NewLog(3)
		recs, id := l.GetRecords(0)
		So(recs, ShouldBeEmpty)

		Convey("zerolog lines are indexed", func() {
			zl := zerolog.New(l)
			zl.Warn().Int("worker", 7).Msg("draining")
			recs, nid := l.GetRecords(id)
			So(nid, ShouldNotEqual, id)
			So(len(recs), ShouldEqual, 1)
			So(recs[0].Level, ShouldEqual, "warn")
			So(recs[0].Worker, ShouldEqual, 7)
			So(recs[0].Message, ShouldEqual, "draining")
			So(recs[0].Text, ShouldContainSubstring, `"worker":7`)
		})

		Convey("Other lines are kept verbatim", func() {
			fmt.Fprintf(l, "plain text\n")
			recs, _ := l.GetRecords(id)
			So(len(recs), ShouldEqual, 1)
			So(recs[0].Message, ShouldEqual, "plain text")
			So(recs[0].Level, ShouldEqual, "")
		})

		Convey("Only the newest records are kept", func() {
			for i := 0; i < 5; i++ {
				fmt.Fprintf(l, "line %d\n", i)
			}
			recs, nid := l.GetRecords(id)
			So(len(recs), ShouldEqual, 3)
			So(recs[0].Message, ShouldEqual, "line 2")
			So(recs[2].Message, ShouldEqual, "line 4")
			So(recs[2].ID, ShouldEqual, nid)
			So(recs[0].ID, ShouldBeLessThan, recs[1].ID)

			Convey("Asking again with the same id returns nothing", func() {
				recs, again := l.GetRecords(nid)
				So(recs, ShouldBeNil)
				So(again, ShouldEqual, nid)
			})
			Convey("Clear empties it but moves the id forward", func() {
				l.Clear()
				recs, cid := l.GetRecords(0)
				So(recs, ShouldBeEmpty)
				So(cid, ShouldBeGreaterThan, nid)
			})
		})

		Convey("Watch without a wait returns at once", func() {
			So(l.Watch(id, 0), ShouldEqual, id)
		})

		Convey("Watch wakes up on a write", func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				fmt.Fprintf(l, "wake\n")
			}()
			start := time.Now()
			nid := l.Watch(id, 5*time.Second)
			So(nid, ShouldNotEqual, id)
			So(time.Since(start), ShouldBeLessThan, 4*time.Second)
		})

		Convey("Watch expires", func() {
			So(l.Watch(id, 10*time.Millisecond), ShouldEqual, id)
		})
	})
}
