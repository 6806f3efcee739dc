package fiojson_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/showdisk-qualifier/pkg/fiojson"
)

func TestParse_SkipsLeadingLogLines(t *testing.T) {
	t.Parallel()
	raw := []byte("fio: engine libaio not loadable\nfio: falling back to posixaio\n" +
		`{"jobs":[{"read":{"bw":1024,"iops":500,"lat_ns":{"mean":1500000}},"write":{}}]}` +
		"\ntrailing noise after the document\n")
	s, err := fiojson.Parse(raw)
	require.NoError(t, err)
	assert.InDelta(t, 1024, s.ReadBWKiB, 0.001)
	assert.InDelta(t, 500, s.ReadIOPS, 0.001)
	assert.InDelta(t, 1.5, s.ReadLatMs, 0.001)
}

func TestParse_NoJSONIsHardFailure(t *testing.T) {
	t.Parallel()
	_, err := fiojson.Parse([]byte("no json here\njust logs\n"))
	require.Error(t, err)
	var perr *fiojson.ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParse_UnbalancedJSONIsHardFailure(t *testing.T) {
	t.Parallel()
	_, err := fiojson.Parse([]byte(`{"jobs":[{"read":{"bw":1024}}`))
	require.Error(t, err)
}

func TestParse_MissingJobsYieldsZeroSummary(t *testing.T) {
	t.Parallel()
	s, err := fiojson.Parse([]byte(`{"fio version":"fio-3.36"}`))
	require.NoError(t, err)
	assert.Equal(t, fiojson.Summary{}, s)
}

func TestParse_BandwidthFieldPreference(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		read string
		want float64
	}{
		{"bw preferred when non-zero", `{"bw":2048,"bw_bytes":999999999}`, 2048},
		{"bw_bytes fallback when bw zero", `{"bw":0,"bw_bytes":2097152}`, 2048},
		{"bw_bytes fallback when bw missing", `{"bw_bytes":1048576}`, 1024},
		{"zero when neither present", `{}`, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			raw := fmt.Sprintf(`{"jobs":[{"read":%s,"write":{}}]}`, tc.read)
			s, err := fiojson.Parse([]byte(raw))
			require.NoError(t, err)
			assert.InDelta(t, tc.want, s.ReadBWKiB, 0.001)
		})
	}
}

func TestParse_IOPSFieldPreference(t *testing.T) {
	t.Parallel()
	raw := `{"jobs":[{"read":{"iops_mean":123.5},"write":{"iops":77,"iops_mean":1}}]}`
	s, err := fiojson.Parse([]byte(raw))
	require.NoError(t, err)
	assert.InDelta(t, 123.5, s.ReadIOPS, 0.001)
	assert.InDelta(t, 77, s.WriteIOPS, 0.001)
}

func TestParse_MalformedNumericsCountAsZero(t *testing.T) {
	t.Parallel()
	raw := `{"jobs":[{"read":{"bw":"not-a-number","iops":-5,"lat_ns":{"mean":"bogus"}},"write":{"bw":512}}]}`
	s, err := fiojson.Parse([]byte(raw))
	require.NoError(t, err)
	assert.Zero(t, s.ReadBWKiB)
	assert.Zero(t, s.ReadIOPS)
	assert.Zero(t, s.ReadLatMs)
	assert.InDelta(t, 512, s.WriteBWKiB, 0.001)
}

func TestParse_AggregationAcrossJobs(t *testing.T) {
	t.Parallel()
	raw := `{"jobs":[
		{"job_runtime":60000,"read":{"bw":1000,"iops":100,"lat_ns":{"mean":2000000}},"write":{}},
		{"job_runtime":90000,"read":{"bw":3000,"iops":300,"lat_ns":{"mean":4000000}},"write":{}},
		{"job_runtime":30000,"read":{"bw":500,"iops":50},"write":{}}
	]}`
	s, err := fiojson.Parse([]byte(raw))
	require.NoError(t, err)
	assert.InDelta(t, 4500, s.ReadBWKiB, 0.001)
	assert.InDelta(t, 450, s.ReadIOPS, 0.001)
	// Latency averages only jobs reporting a non-zero latency.
	assert.InDelta(t, 3.0, s.ReadLatMs, 0.001)
	assert.Equal(t, int64(90000), s.RuntimeMs)
}

// Aggregation must be commutative: permuting the jobs array produces an
// identical Summary.
func TestParse_PermutationInvariant(t *testing.T) {
	t.Parallel()
	jobs := []string{
		`{"job_runtime":1000,"read":{"bw":100,"iops":10,"lat_ns":{"mean":1000000},"bw_min":80,"bw_mean":100},"write":{"bw":50}}`,
		`{"job_runtime":5000,"read":{"bw":200,"iops":20},"write":{"bw_bytes":102400}}`,
		`{"job_runtime":3000,"read":{"bw":0,"bw_bytes":307200,"lat_ns":{"mean":3000000}},"write":{}}`,
	}
	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}, {2, 1, 0}}
	var first fiojson.Summary
	for i, ord := range orders {
		raw := `{"jobs":[` + jobs[ord[0]] + "," + jobs[ord[1]] + "," + jobs[ord[2]] + `]}`
		s, err := fiojson.Parse([]byte(raw))
		require.NoError(t, err)
		if i == 0 {
			first = s
			continue
		}
		require.NotNil(t, s.StabilityRatio)
		assert.InDelta(t, *first.StabilityRatio, *s.StabilityRatio, 1e-9)
		s.StabilityRatio = first.StabilityRatio
		assert.Equal(t, first, s)
	}
}

func TestParse_StabilityRatio(t *testing.T) {
	t.Parallel()
	raw := `{"jobs":[
		{"read":{"bw":500,"bw_min":300,"bw_mean":500},"write":{}},
		{"read":{"bw":100},"write":{}}
	]}`
	s, err := fiojson.Parse([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, s.StabilityRatio)
	assert.InDelta(t, 0.6, *s.StabilityRatio, 0.001)

	raw = `{"jobs":[{"read":{"bw":500},"write":{}}]}`
	s, err = fiojson.Parse([]byte(raw))
	require.NoError(t, err)
	assert.Nil(t, s.StabilityRatio)
}

func TestParse_BracesInsideStrings(t *testing.T) {
	t.Parallel()
	raw := `{"fio version":"fio-3.{6}","jobs":[{"read":{"bw":10,"description":"a \"}\" brace"},"write":{}}]}`
	s, err := fiojson.Parse([]byte(raw))
	require.NoError(t, err)
	assert.InDelta(t, 10, s.ReadBWKiB, 0.001)
}
