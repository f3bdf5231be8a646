package obstree

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

func ptr(v float64) *float64 { return &v }

// hematologyRaw is a two-panel tree: CBC (WBC, RBC) and Chemistry (Na).
func hematologyRaw() *RawNode {
	return &RawNode{
		Display:     "Hematology",
		ConceptUUID: "hematology-uuid",
		SubSets: []*RawNode{
			{
				Display: "CBC",
				SubSets: []*RawNode{
					{
						Display:  "WBC",
						Datatype: "Numeric",
						Units:    "10^3/uL",
						Bounds:   Bounds{LowNormal: ptr(4), HiNormal: ptr(11), LowCritical: ptr(1), HiCritical: ptr(30)},
						Obs:      []Observation{{ObsDatetime: "2024-03-01T08:00:00.000+0000", Value: NumberValue(7.0)}},
					},
					{
						Display:  "RBC",
						Datatype: "Numeric",
						Bounds:   Bounds{LowNormal: ptr(4.2), HiNormal: ptr(5.9)},
						Obs:      []Observation{{ObsDatetime: "2024-03-01T08:00:00.000+0000", Value: NumberValue(4.5)}},
					},
				},
			},
			{
				Display: "Chemistry",
				SubSets: []*RawNode{
					{
						Display: "Na",
						Bounds:  Bounds{LowNormal: ptr(135), HiNormal: ptr(145)},
						Obs:     []Observation{{Value: NumberValue(140)}},
					},
				},
			},
		},
	}
}

func hematologyRoots() []*Node {
	return []*Node{Annotate(hematologyRaw(), "", nil)}
}

// memRepo is an in-memory DocumentRepository.
type memRepo struct {
	mu    sync.Mutex
	docs  map[string]*RawNode
	fetch int
	err   error
}

func newMemRepo() *memRepo {
	return &memRepo{docs: make(map[string]*RawNode)}
}

func docKey(patientID uuid.UUID, concept string) string {
	return patientID.String() + "/" + concept
}

func (m *memRepo) FetchTree(_ context.Context, patientID uuid.UUID, concept string) (*RawNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetch++
	if m.err != nil {
		return nil, m.err
	}
	tree, ok := m.docs[docKey(patientID, concept)]
	if !ok {
		return nil, ErrTreeNotFound
	}
	return tree, nil
}

func (m *memRepo) SaveTree(_ context.Context, patientID uuid.UUID, concept string, tree *RawNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docKey(patientID, concept)] = tree
	return nil
}

func (m *memRepo) ListConcepts(_ context.Context, patientID uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := patientID.String() + "/"
	var out []string
	for k := range m.docs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memRepo) DeleteTree(_ context.Context, patientID uuid.UUID, concept string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := docKey(patientID, concept)
	if _, ok := m.docs[k]; !ok {
		return ErrTreeNotFound
	}
	delete(m.docs, k)
	return nil
}

func (m *memRepo) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetch
}

type feedEvent struct {
	topic, eventType string
	payload          interface{}
}

type recordingFeed struct {
	mu     sync.Mutex
	events []feedEvent
	closed []string
}

func (f *recordingFeed) Publish(topic, eventType string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, feedEvent{topic, eventType, payload})
}

func (f *recordingFeed) Close(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, topic)
}

type countingRecorder struct {
	mu      sync.Mutex
	ops     map[string]int
	fetches int
	failed  int
	open    int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{ops: make(map[string]int)}
}

func (r *countingRecorder) CountOperation(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op]++
}

func (r *countingRecorder) ObserveFetch(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if err != nil {
		r.failed++
	}
}

func (r *countingRecorder) SetOpenSessions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = n
}
