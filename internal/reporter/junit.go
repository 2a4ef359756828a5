package reporter

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/jpequegn/procrun/internal/engine"
)

// junitSuite and junitCase mirror the de facto JUnit XML schema CI tools
// expect. No third-party XML library appears anywhere in the retrieved
// corpus, so this is plain encoding/xml rather than an adapted
// dependency (see DESIGN.md).
type junitSuite struct {
	XMLName   xml.Name    `xml:"testsuite"`
	Name      string      `xml:"name,attr"`
	Tests     int         `xml:"tests,attr"`
	Failures  int         `xml:"failures,attr"`
	Skipped   int         `xml:"skipped,attr"`
	Time      float64     `xml:"time,attr"`
	Cases     []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *struct{}     `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

// JUnit accumulates TestFinished events and writes a single testsuite
// element once the run ends.
type JUnit struct {
	suiteName string
	start     time.Time
	cases     []junitCase
	failures  int
	skipped   int
}

// NewJUnit builds a JUnit accumulator for one run.
func NewJUnit(suiteName string) *JUnit {
	return &JUnit{suiteName: suiteName, start: time.Now()}
}

// Run consumes bus until it closes, then writes the assembled report to w.
func (j *JUnit) Run(bus *engine.Bus, w io.Writer) error {
	for ev := range bus.Events() {
		switch ev.Kind {
		case engine.EventTestFinished:
			j.record(ev)
		case engine.EventRunFinished:
			return j.write(w, ev.Summary.Duration)
		}
	}
	return j.write(w, time.Since(j.start))
}

func (j *JUnit) record(ev engine.Event) {
	c := junitCase{
		Name:      ev.TestID.TestName,
		ClassName: ev.TestID.BinaryID,
	}
	switch ev.Verdict {
	case engine.VerdictFail, engine.VerdictTimedOut, engine.VerdictCancelled:
		c.Failure = &junitFailure{Message: fmt.Sprintf("verdict: %s", ev.Verdict)}
		j.failures++
	case engine.VerdictSkipped, engine.VerdictNotRun:
		c.Skipped = &struct{}{}
		j.skipped++
	}
	j.cases = append(j.cases, c)
}

func (j *JUnit) write(w io.Writer, duration time.Duration) error {
	suite := junitSuite{
		Name:     j.suiteName,
		Tests:    len(j.cases),
		Failures: j.failures,
		Skipped:  j.skipped,
		Time:     duration.Seconds(),
		Cases:    j.cases,
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(suite); err != nil {
		return fmt.Errorf("encode junit report: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}
