// Package fiojson converts raw fio stdout into a canonical performance
// summary. The input may contain leading log lines before the JSON document
// and spans multiple historical fio schema versions.
package fiojson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Summary is the canonical, unit-normalised parse result. Bandwidths are
// KiB/s, latencies milliseconds, runtime milliseconds.
type Summary struct {
	ReadBWKiB      float64
	WriteBWKiB     float64
	ReadIOPS       float64
	WriteIOPS      float64
	ReadLatMs      float64
	WriteLatMs     float64
	RuntimeMs      int64
	StabilityRatio *float64
}

// ParseError reports a structural failure: no balanced JSON object was found.
type ParseError struct {
	Position int
	Excerpt  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("no balanced JSON object at offset %d: %q", e.Position, e.Excerpt)
}

// Parse extracts the first balanced JSON object from raw output and
// aggregates its jobs array into a Summary. Missing optional fields are
// zeros; only a missing or unbalanced JSON document is an error.
func Parse(raw []byte) (Summary, error) {
	doc, err := extractObject(raw)
	if err != nil {
		return Summary{}, err
	}

	var d document
	if err := json.Unmarshal(doc, &d); err != nil {
		return Summary{}, &ParseError{Position: 0, Excerpt: excerpt(doc)}
	}
	return aggregate(d.Jobs), nil
}

// extractObject locates the first line beginning with '{' and tracks brace
// depth (string- and escape-aware) to the balanced end.
func extractObject(raw []byte) ([]byte, error) {
	start := -1
	offset := 0
	for _, line := range bytes.Split(raw, []byte("\n")) {
		trimmed := bytes.TrimLeft(line, " \t\r")
		if len(trimmed) > 0 && trimmed[0] == '{' {
			start = offset + (len(line) - len(trimmed))
			break
		}
		offset += len(line) + 1
	}
	if start < 0 {
		return nil, &ParseError{Position: 0, Excerpt: excerpt(raw)}
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return nil, &ParseError{Position: start, Excerpt: excerpt(raw[start:])}
}

func excerpt(b []byte) string {
	const n = 80
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[:n]
	}
	return s
}

// flexFloat tolerates numbers, quoted numbers, and malformed values, all of
// which fio has emitted at one point or another. Malformed values decode to
// zero rather than failing the parse.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

type latNs struct {
	Mean flexFloat `json:"mean"`
}

type opStats struct {
	BW       flexFloat `json:"bw"`       // KiB/s (canonical)
	BWBytes  flexFloat `json:"bw_bytes"` // bytes/s (newer schemas)
	BWMin    flexFloat `json:"bw_min"`
	BWMean   flexFloat `json:"bw_mean"`
	IOPS     flexFloat `json:"iops"`
	IOPSMean flexFloat `json:"iops_mean"`
	Runtime  flexFloat `json:"runtime"` // ms
	LatNs    latNs     `json:"lat_ns"`
}

// bandwidthKiB applies the field preference: bw when present and non-zero,
// else bw_bytes converted to KiB/s, else zero.
func (o opStats) bandwidthKiB() float64 {
	if o.BW > 0 {
		return float64(o.BW)
	}
	return float64(o.BWBytes) / 1024
}

func (o opStats) iops() float64 {
	if o.IOPS > 0 {
		return float64(o.IOPS)
	}
	return float64(o.IOPSMean)
}

type jobRecord struct {
	JobRuntime flexFloat `json:"job_runtime"` // ms
	Read       opStats   `json:"read"`
	Write      opStats   `json:"write"`
}

type document struct {
	Jobs []jobRecord `json:"jobs"`
}

// aggregate sums bandwidths and IOPS across jobs, averages non-zero
// latencies, and takes the maximum runtime. The result is independent of
// job order.
func aggregate(jobs []jobRecord) Summary {
	var s Summary
	var readLatSum, writeLatSum float64
	var readLatN, writeLatN int
	var bwMinSum, bwMeanSum float64

	for _, j := range jobs {
		s.ReadBWKiB += j.Read.bandwidthKiB()
		s.WriteBWKiB += j.Write.bandwidthKiB()
		s.ReadIOPS += j.Read.iops()
		s.WriteIOPS += j.Write.iops()

		if ms := float64(j.Read.LatNs.Mean) / 1e6; ms > 0 {
			readLatSum += ms
			readLatN++
		}
		if ms := float64(j.Write.LatNs.Mean) / 1e6; ms > 0 {
			writeLatSum += ms
			writeLatN++
		}

		runtime := int64(j.JobRuntime)
		if rt := int64(j.Read.Runtime); rt > runtime {
			runtime = rt
		}
		if rt := int64(j.Write.Runtime); rt > runtime {
			runtime = rt
		}
		if runtime > s.RuntimeMs {
			s.RuntimeMs = runtime
		}

		if j.Read.BWMean > 0 {
			bwMinSum += float64(j.Read.BWMin)
			bwMeanSum += float64(j.Read.BWMean)
		}
		if j.Write.BWMean > 0 {
			bwMinSum += float64(j.Write.BWMin)
			bwMeanSum += float64(j.Write.BWMean)
		}
	}

	if readLatN > 0 {
		s.ReadLatMs = readLatSum / float64(readLatN)
	}
	if writeLatN > 0 {
		s.WriteLatMs = writeLatSum / float64(writeLatN)
	}
	if bwMeanSum > 0 {
		ratio := bwMinSum / bwMeanSum
		s.StabilityRatio = &ratio
	}
	return s
}
