package preemption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/armadaproject/taskscheduler/internal/resources"
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

type fakeTierManager struct {
	tiers map[string]Tier
}

func (f fakeTierManager) GetTier(config tasks.TaskConfig) Tier {
	if t, ok := f.tiers[config.Tier]; ok {
		return t
	}
	return Tier{Name: config.Tier}
}

type fakeAttributeStore struct {
	attrs map[string]HostAttributes
}

func (f fakeAttributeStore) GetHostAttributes(host string) (HostAttributes, bool) {
	a, ok := f.attrs[host]
	return a, ok
}

// thresholdFilter vetoes unless unused.Resources dominates-or-ties the
// request's required resources for every kind the request names.
type thresholdFilter struct{}

func (thresholdFilter) Filter(unused UnusedResource, request ResourceRequest) []Veto {
	var vetoes []Veto
	request.RequiredResources.ForEach(func(kind string, want resource.Quantity) {
		have := unused.Resources.ValueOf(kind)
		if have.Cmp(want) < 0 {
			vetoes = append(vetoes, Veto{Reason: "insufficient " + kind})
		}
	})
	return vetoes
}

func defaultTierManager() fakeTierManager {
	return fakeTierManager{tiers: map[string]Tier{
		"preemptible":     {Name: "preemptible", Preemptible: true},
		"preemptible-rev": {Name: "preemptible-rev", Preemptible: true, Revocable: true},
		"production":      {Name: "production", Preemptible: false},
	}}
}

func TestFindVictims_S1_PreemptionSuccessLowerPrioritySameRole(t *testing.T) {
	overhead := resources.NewBag(map[string]int64{resources.CPU: 0, resources.Memory: 128})
	pending := tasks.TaskConfig{Role: "r", Job: "j", Priority: 10, Tier: "production"}
	pendingRequired := resources.NewBag(map[string]int64{resources.CPU: 2, resources.Memory: 2048})

	victim := Victim{
		TaskID:    "v1",
		Role:      "r",
		SlaveHost: "host1",
		Config:    tasks.TaskConfig{Role: "r", Job: "j2", Priority: 5, Tier: "production"},
		Resources: resources.NewBag(map[string]int64{resources.CPU: 2, resources.Memory: 2048}),
	}
	offer := &HostOffer{
		Hostname:  "host1",
		Resources: resources.NewBag(map[string]int64{resources.Memory: 256}),
	}

	tierMgr := defaultTierManager()
	attrStore := fakeAttributeStore{attrs: map[string]HostAttributes{"host1": {}}}

	result, ok, err := FindVictims(pending, pendingRequired, nil, []Victim{victim}, offer, tierMgr, attrStore, thresholdFilter{}, overhead, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, result, 1)
	assert.Equal(t, "v1", result[0].TaskID)
}

func TestFindVictims_S2_InsufficientEvenWithAllVictims(t *testing.T) {
	overhead := resources.Empty()
	pending := tasks.TaskConfig{Role: "r", Priority: 10, Tier: "production"}
	pendingRequired := resources.NewBag(map[string]int64{resources.CPU: 4, resources.Memory: 4096})

	victims := []Victim{
		{TaskID: "v1", Role: "r", SlaveHost: "host1", Config: tasks.TaskConfig{Role: "r", Priority: 1, Tier: "production"}, Resources: resources.NewBag(map[string]int64{resources.CPU: 1, resources.Memory: 256})},
		{TaskID: "v2", Role: "r", SlaveHost: "host1", Config: tasks.TaskConfig{Role: "r", Priority: 2, Tier: "production"}, Resources: resources.NewBag(map[string]int64{resources.Memory: 256})},
	}

	tierMgr := defaultTierManager()
	attrStore := fakeAttributeStore{attrs: map[string]HostAttributes{"host1": {}}}

	_, ok, err := FindVictims(pending, pendingRequired, nil, victims, nil, tierMgr, attrStore, thresholdFilter{}, overhead, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindVictims_S3_RevocableCPUStripped(t *testing.T) {
	overhead := resources.NewBag(map[string]int64{resources.Memory: 0})
	pending := tasks.TaskConfig{Role: "r", Priority: 10, Tier: "production"}
	pendingRequired := resources.NewBag(map[string]int64{resources.CPU: 8, resources.Memory: 2048})

	victim := Victim{
		TaskID:    "v1",
		Role:      "r",
		SlaveHost: "host1",
		Config:    tasks.TaskConfig{Role: "r", Priority: 1, Tier: "preemptible-rev"},
		Resources: resources.NewBag(map[string]int64{resources.CPU: 8, resources.Memory: 2048, resources.RevocableCPU: 8}),
	}
	tierMgr := defaultTierManager()
	attrStore := fakeAttributeStore{attrs: map[string]HostAttributes{"host1": {}}}

	result, ok, err := FindVictims(pending, pendingRequired, nil, []Victim{victim}, nil, tierMgr, attrStore, thresholdFilter{}, overhead, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, result, 1)
}

func TestFindVictims_EmptyCandidatesNoOffer_NoSolution(t *testing.T) {
	pending := tasks.TaskConfig{Role: "r", Priority: 10, Tier: "production"}
	tierMgr := defaultTierManager()
	attrStore := fakeAttributeStore{}

	_, ok, err := FindVictims(pending, resources.NewBag(map[string]int64{resources.CPU: 1}), nil, nil, nil, tierMgr, attrStore, thresholdFilter{}, resources.Empty(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindVictims_OfferAbsentSlackZero(t *testing.T) {
	pending := tasks.TaskConfig{Role: "r", Priority: 10, Tier: "production"}
	pendingRequired := resources.NewBag(map[string]int64{resources.CPU: 1})
	victim := Victim{
		TaskID:    "v1",
		Role:      "r",
		SlaveHost: "host1",
		Config:    tasks.TaskConfig{Role: "r", Priority: 1, Tier: "preemptible"},
		Resources: resources.NewBag(map[string]int64{resources.CPU: 1}),
	}
	tierMgr := defaultTierManager()
	attrStore := fakeAttributeStore{attrs: map[string]HostAttributes{"host1": {}}}

	result, ok, err := FindVictims(pending, pendingRequired, nil, []Victim{victim}, nil, tierMgr, attrStore, thresholdFilter{}, resources.Empty(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, result, 1)
}

func TestFindVictims_MalformedMultiHostInput(t *testing.T) {
	pending := tasks.TaskConfig{Role: "r", Priority: 10, Tier: "production"}
	victims := []Victim{
		{TaskID: "v1", Role: "r", SlaveHost: "host1", Config: tasks.TaskConfig{Role: "r", Tier: "preemptible"}},
		{TaskID: "v2", Role: "r", SlaveHost: "host2", Config: tasks.TaskConfig{Role: "r", Tier: "preemptible"}},
	}
	tierMgr := defaultTierManager()
	attrStore := fakeAttributeStore{}

	_, _, err := FindVictims(pending, resources.Empty(), nil, victims, nil, tierMgr, attrStore, thresholdFilter{}, resources.Empty(), nil)
	require.Error(t, err)
}

func TestFindVictims_MissingHostAttributes_RecordsMetric(t *testing.T) {
	pending := tasks.TaskConfig{Role: "r", Priority: 10, Tier: "production"}
	victim := Victim{TaskID: "v1", Role: "r", SlaveHost: "host1", Config: tasks.TaskConfig{Role: "r", Tier: "preemptible"}, Resources: resources.Empty()}
	tierMgr := defaultTierManager()
	attrStore := fakeAttributeStore{} // no attrs for host1

	var recorded int
	metrics := recordingMetrics{record: func() { recorded++ }}

	_, ok, err := FindVictims(pending, resources.Empty(), nil, []Victim{victim}, nil, tierMgr, attrStore, thresholdFilter{}, resources.Empty(), metrics)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, recorded)
}

type recordingMetrics struct {
	record func()
}

func (r recordingMetrics) RecordMissingHostAttributes() { r.record() }

func TestEligible(t *testing.T) {
	preemptible := Tier{Preemptible: true}
	production := Tier{Preemptible: false}

	// non-preemptible pending vs preemptible victim: always eligible
	assert.True(t, Eligible(production, preemptible, "r1", "r2", 1, 100))

	// same preemptibility, same role: eligible iff pending priority higher
	assert.True(t, Eligible(preemptible, preemptible, "r", "r", 10, 5))
	assert.False(t, Eligible(preemptible, preemptible, "r", "r", 5, 10))

	// same preemptibility, different role: ineligible
	assert.False(t, Eligible(preemptible, preemptible, "r1", "r2", 10, 1))

	// preemptible pending vs non-preemptible victim: ineligible
	assert.False(t, Eligible(preemptible, production, "r", "r", 100, 1))
}
