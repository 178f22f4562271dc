package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrIndexExists is returned by Backend.CreateIndex when another caller
// created the index first
var ErrIndexExists = errors.New("index already exists")

// Metric is the distance function of an index
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricIP     Metric = "ip"
)

// ParseMetric maps a config string to a Metric; "" is cosine
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricL2:
		return MetricL2, nil
	case MetricIP:
		return MetricIP, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Similarity converts a backend distance into a score where larger is
// closer: 1-d for cosine and inner product, 1/(1+d) for l2
func (m Metric) Similarity(distance float64) float64 {
	if math.IsNaN(distance) || math.IsInf(distance, 0) {
		return 0
	}
	if m == MetricL2 {
		if distance < 0 {
			distance = 0
		}
		return 1 / (1 + distance)
	}
	return 1 - distance
}

var indexNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IndexSpec describes one vector index
type IndexSpec struct {
	Name   string
	Prefix string
	Dim    int
	Metric Metric
}

// Validate checks the spec and fills the default metric
func (s *IndexSpec) Validate() error {
	if !indexNamePattern.MatchString(s.Name) {
		return fmt.Errorf("invalid index name %q", s.Name)
	}
	if s.Dim <= 0 {
		return errors.New("index dimension must be > 0")
	}
	m, err := ParseMetric(string(s.Metric))
	if err != nil {
		return err
	}
	s.Metric = m
	return nil
}

// Key returns the record key for a chunk position
func (s IndexSpec) Key(docID string, position int) string {
	return s.Prefix + docID + ":" + strconv.Itoa(position)
}

// ParseKey splits a record key back into document id and position
func (s IndexSpec) ParseKey(key string) (docID string, position int, ok bool) {
	rest, found := strings.CutPrefix(key, s.Prefix)
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", 0, false
	}
	pos, err := strconv.Atoi(rest[i+1:])
	if err != nil || pos < 0 {
		return "", 0, false
	}
	return rest[:i], pos, true
}

// Record is one chunk vector to store. UserID and Path describe the
// owning document so queries can be scoped inside the backend.
type Record struct {
	DocID    string
	UserID   string
	Path     string
	Position int
	Text     string
	Vector   []float32
}

// Owner identifies the document a batch of records belongs to
type Owner struct {
	DocID  string
	UserID string
	Path   string
}

// Filter restricts a KNN query. Empty fields match everything; a
// PathPrefix of "" or "/" covers the whole tree.
type Filter struct {
	UserID     string
	DocID      string
	PathPrefix string
}

// Prefix returns the path prefix to push down, "" when unrestricted
func (f Filter) Prefix() string {
	return strings.TrimRight(f.PathPrefix, "/")
}

// Scopes lists path and every ancestor below the root, used as tag
// values so a prefix filter becomes an exact tag match
func Scopes(path string) []string {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return nil
	}
	var out []string
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return append(out, path)
}

// likePrefix escapes prefix for a LIKE pattern matching its descendants
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "/%"
}

// Hit is one KNN match
type Hit struct {
	Key        string
	DocID      string
	Position   int
	Text       string
	Distance   float64
	Similarity float64
}

// rankHits scores hits and orders them by similarity desc then key,
// keeping at most k
func rankHits(hits []Hit, metric Metric, k int) []Hit {
	for i := range hits {
		hits[i].Similarity = metric.Similarity(hits[i].Distance)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
