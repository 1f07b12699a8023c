package task

import (
	"fmt"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/colstore"
)

// Dataset and attribute names of a task artifact.
const (
	TripletsGroup   = "triplets"
	TripletsData    = "triplets/data"
	BlockIndex      = "triplets/block_index"
	GroupIndex      = "triplets/group_index"
	ByIndex         = "triplets/by_index"
	RegressorsGroup = "regressors"
	PairsGroup      = "unique_pairs"
	PairsData       = "unique_pairs/data"

	attrBys     = "bys"
	attrNames   = "names"
	attrIndexes = "indexes"
	attrTask    = "task"
)

// RegressorDataset names the values of a regressor for the by-block of
// the given position among non-empty by-blocks.
func RegressorDataset(by int, name string) string {
	return fmt.Sprintf("%s/%d/%s", RegressorsGroup, by, name)
}

// ItemsDataset names the database rows of the items of a by-block.
func ItemsDataset(by int) string {
	return fmt.Sprintf("items/%d", by)
}

// Metadata describes the task an artifact was generated from.
type Metadata struct {
	On        string   `json:"on"`
	Across    []string `json:"across"`
	By        []string `json:"by"`
	Filters   []string `json:"filters,omitempty"`
	Sample    float64  `json:"sample,omitempty"`
	Threshold uint64   `json:"threshold,omitempty"`
	Seed      uint64   `json:"seed"`
	IndexType string   `json:"index_type"`
}

// PairRange locates the unique pairs of one by-block.
type PairRange struct {
	Base  uint64 `json:"base"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Artifact is an opened task artifact.
type Artifact struct {
	store *colstore.Store

	Meta Metadata
	// Bys lists the non-empty by-blocks in storage order.
	Bys []string
	// ByRanges holds the triplet rows [start,end) of every by-block.
	ByRanges [][2]uint64
	// Regressors lists the regressor names; Indexes the values of the
	// indexed ones.
	Regressors []string
	Indexes    map[string][]string
	// Pairs holds the unique pair range of every by-block, by key.
	Pairs map[string]PairRange
}

// OpenArtifact opens the artifact stored in dir.
func OpenArtifact(dir string, opts ...colstore.Option) (*Artifact, error) {
	store, err := colstore.Open(dir, opts...)
	if err != nil {
		return nil, err
	}
	a := &Artifact{store: store, Pairs: make(map[string]PairRange)}
	attrs := []struct {
		path, key string
		out       interface{}
	}{
		{"", attrTask, &a.Meta},
		{TripletsGroup, attrBys, &a.Bys},
		{RegressorsGroup, attrNames, &a.Regressors},
		{RegressorsGroup, attrIndexes, &a.Indexes},
	}
	for _, at := range attrs {
		if err := store.Attr(at.path, at.key, at.out); err != nil {
			return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, dir+" is not a task artifact")
		}
	}

	r, err := store.Open(ByIndex)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	flat, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(flat)/2 != len(a.Bys) {
		return nil, abxerrors.IO("artifact %s lists %d by-blocks but indexes %d", dir, len(a.Bys), len(flat)/2)
	}
	for i := 0; i < len(flat); i += 2 {
		a.ByRanges = append(a.ByRanges, [2]uint64{flat[i], flat[i+1]})
	}
	for _, by := range a.Bys {
		var pr PairRange
		if err := store.Attr(PairsData, by, &pr); err != nil {
			return nil, err
		}
		a.Pairs[by] = pr
	}
	return a, nil
}

// Store returns the underlying column store.
func (a *Artifact) Store() *colstore.Store { return a.store }

// Triplets returns a reader over the triplets of the i-th by-block.
func (a *Artifact) Triplets(i int) (*colstore.Reader, error) {
	if i < 0 || i >= len(a.ByRanges) {
		return nil, abxerrors.Newf(abxerrors.ErrorTypeData, "no by-block %d", i)
	}
	rg := a.ByRanges[i]
	return a.store.Open(TripletsData, colstore.WithRange(rg[0], rg[1]))
}

// Regressor returns a reader over one regressor of the i-th by-block.
func (a *Artifact) Regressor(i int, name string) (*colstore.Reader, error) {
	return a.store.Open(RegressorDataset(i, name))
}

// Items returns the database rows of the items of the i-th by-block,
// indexed by by-local index.
func (a *Artifact) Items(i int) ([]uint64, error) {
	return a.readAll(ItemsDataset(i))
}

// UniquePairs returns the sorted unique pair keys of the i-th by-block.
func (a *Artifact) UniquePairs(i int) ([]uint64, error) {
	if i < 0 || i >= len(a.Bys) {
		return nil, abxerrors.Newf(abxerrors.ErrorTypeData, "no by-block %d", i)
	}
	pr := a.Pairs[a.Bys[i]]
	r, err := a.store.Open(PairsData, colstore.WithRange(pr.Start, pr.End))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

func (a *Artifact) readAll(name string) ([]uint64, error) {
	r, err := a.store.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

// Close releases the artifact.
func (a *Artifact) Close() error { return a.store.Close() }
