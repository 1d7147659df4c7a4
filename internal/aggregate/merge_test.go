package aggregate

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMergeTwoCandidatesSameEmail(t *testing.T) {
	c1 := Candidate{
		ID:          1,
		CbCrawlerID: 101,
		Source:      "gs",
		Email:       "a@x",
		PLZ:         "10115",
		Branches:    []int64{1},
		Data:        map[string]interface{}{"company_name": "ACME"},
	}
	c2 := Candidate{
		ID:          2,
		CbCrawlerID: 102,
		Source:      "gs",
		Email:       "A@X ",
		PLZ:         "10117",
		Branches:    []int64{2},
		Data:        map[string]interface{}{"company_name": "ACME GmbH"},
	}

	contact := NewContactFrom(c1)
	MergeCandidate(contact, c2)

	if contact.Email != "a@x" {
		t.Errorf("email = %q, want %q", contact.Email, "a@x")
	}
	if !reflect.DeepEqual(contact.PLZList, []string{"10115", "10117"}) {
		t.Errorf("plz_list = %v, want [10115 10117]", contact.PLZList)
	}
	if !reflect.DeepEqual(contact.Branches, []int64{1, 2}) {
		t.Errorf("branches = %v, want [1 2]", contact.Branches)
	}
	if !reflect.DeepEqual(contact.CbCrawlerIDs, []int64{101, 102}) {
		t.Errorf("cb_crawler_ids = %v, want [101 102]", contact.CbCrawlerIDs)
	}

	// Scalars are first-wins.
	norm := contact.Profile["norm"].(map[string]interface{})
	if norm["company_name"] != "ACME" {
		t.Errorf("norm.company_name = %v, want ACME", norm["company_name"])
	}

	// Both payloads survive as their own shards.
	if _, ok := contact.Profile["gs-1"]; !ok {
		t.Error("shard gs-1 missing")
	}
	if _, ok := contact.Profile["gs-2"]; !ok {
		t.Error("shard gs-2 missing")
	}
}

func TestMergeScalarFirstWinsButFillsEmpty(t *testing.T) {
	contact := NewContactFrom(Candidate{
		CbCrawlerID: 1, Source: "gs", Email: "a@x",
		Data: map[string]interface{}{"phone": ""},
	})
	MergeCandidate(contact, Candidate{
		CbCrawlerID: 2, Source: "gs", Email: "a@x",
		Data: map[string]interface{}{"phone": "+49 30 1234"},
	})

	norm := contact.Profile["norm"].(map[string]interface{})
	if norm["phone"] != "+49 30 1234" {
		t.Errorf("empty scalar should adopt later value, got %v", norm["phone"])
	}
}

func TestMergeArraysUnion(t *testing.T) {
	contact := NewContactFrom(Candidate{
		CbCrawlerID: 1, Source: "gpt", Email: "a@x",
		Data: map[string]interface{}{"keywords": []interface{}{"bau", "dach"}},
	})
	MergeCandidate(contact, Candidate{
		CbCrawlerID: 2, Source: "gpt", Email: "a@x",
		Data: map[string]interface{}{"keywords": []interface{}{"dach", "solar"}},
	})

	norm := contact.Profile["norm"].(map[string]interface{})
	got := norm["keywords"].([]interface{})
	want := []interface{}{"bau", "dach", "solar"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("keywords = %v, want %v", got, want)
	}
	if _, ok := contact.Profile["gpt-2"]; !ok {
		t.Error("second gpt shard should be gpt-2")
	}
}

func TestEmailCardinalityCollapse(t *testing.T) {
	contact := NewContactFrom(Candidate{CbCrawlerID: 1, Source: "gs", Email: "a@x"})
	norm := contact.Profile["norm"].(map[string]interface{})
	if norm["emails"] != "a@x" {
		t.Errorf("single email should collapse to a string, got %v", norm["emails"])
	}

	MergeCandidate(contact, Candidate{
		CbCrawlerID: 2, Source: "gs", Email: "a@x",
		Data: map[string]interface{}{"emails": []interface{}{"b@x"}},
	})
	norm = contact.Profile["norm"].(map[string]interface{})
	list, ok := norm["emails"].([]interface{})
	if !ok || len(list) != 2 {
		t.Errorf("two emails should stay a list, got %v", norm["emails"])
	}
}

func TestStatusDataClassification(t *testing.T) {
	tests := []struct {
		name string
		cand Candidate
		want string
	}{
		{"website", Candidate{CbCrawlerID: 1, Source: "gs", Email: "a@x", Website: "https://acme.de"}, "YES WEB"},
		{"description only", Candidate{CbCrawlerID: 1, Source: "gs", Email: "a@x", Description: "Dachdecker"}, "NO WEB - YES DESCR"},
		{"neither", Candidate{CbCrawlerID: 1, Source: "gs", Email: "a@x"}, "NO WEB - NO DESCR"},
	}
	for _, tt := range tests {
		if got := NewContactFrom(tt.cand).StatusData; got != tt.want {
			t.Errorf("%s: status_data = %q, want %q", tt.name, got, tt.want)
		}
	}
}

// memStore is an in-memory Store for validator flow tests.
type memStore struct {
	pending   []Candidate
	contacts  map[string]*Contact
	processed []int64
	nextID    int64
}

func newMemStore(cands ...Candidate) *memStore {
	return &memStore{pending: cands, contacts: map[string]*Contact{}}
}

func (m *memStore) PendingCandidates(_ context.Context, limit int) ([]Candidate, error) {
	if len(m.pending) > limit {
		return m.pending[:limit], nil
	}
	return m.pending, nil
}

func (m *memStore) ContactByEmail(_ context.Context, email string) (*Contact, error) {
	return m.contacts[email], nil
}

func (m *memStore) InsertContact(_ context.Context, c *Contact) error {
	if _, dup := m.contacts[c.Email]; dup {
		return errors.New("duplicate email")
	}
	m.nextID++
	c.ID = m.nextID
	m.contacts[c.Email] = c
	return nil
}

func (m *memStore) UpdateContact(_ context.Context, c *Contact) error {
	m.contacts[c.Email] = c
	return nil
}

func (m *memStore) MarkProcessed(_ context.Context, id int64) error {
	m.processed = append(m.processed, id)
	return nil
}

func TestValidatorDedupesByEmail(t *testing.T) {
	store := newMemStore(
		Candidate{ID: 1, CbCrawlerID: 101, Source: "gs", Email: "A@X", PLZ: "10115", Branches: []int64{1}},
		Candidate{ID: 2, CbCrawlerID: 102, Source: "gs", Email: "a@x ", PLZ: "10117", Branches: []int64{2}},
		Candidate{ID: 3, CbCrawlerID: 103, Source: "gpt", Email: "other@x"},
	)
	v := NewValidator(store, 10)

	n, err := v.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Run() consumed %d, want 3", n)
	}
	if len(store.contacts) != 2 {
		t.Fatalf("got %d aggregate rows, want 2", len(store.contacts))
	}
	merged := store.contacts["a@x"]
	if merged == nil {
		t.Fatal("aggregate for a@x missing")
	}
	if !reflect.DeepEqual(merged.CbCrawlerIDs, []int64{101, 102}) {
		t.Errorf("cb_crawler_ids = %v, want [101 102]", merged.CbCrawlerIDs)
	}
	if len(store.processed) != 3 {
		t.Errorf("processed %d candidates, want 3", len(store.processed))
	}
}

func TestValidatorSkipsBlankEmail(t *testing.T) {
	store := newMemStore(Candidate{ID: 1, Email: "   "})
	v := NewValidator(store, 10)

	if _, err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(store.contacts) != 0 {
		t.Error("blank email must not create an aggregate row")
	}
	if len(store.processed) != 1 {
		t.Error("blank-email candidate must still be marked processed")
	}
}
