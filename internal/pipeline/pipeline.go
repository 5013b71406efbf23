// Package pipeline wires Stage1, Stage2, and Stage3 together: the glue
// that moves aged entries downward without owning any tier's storage.
package pipeline

import (
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/mem8/internal/entry"
	"github.com/xtaci/mem8/internal/stage1"
	"github.com/xtaci/mem8/internal/stage2"
	"github.com/xtaci/mem8/internal/stage3"
)

// Pipeline holds references to the three tiers it migrates entries
// between. It owns no storage itself.
type Pipeline struct {
	Stage1 *stage1.Stage1
	Stage2 *stage2.Stage2
	Stage3 *stage3.Stage3
}

// New constructs a Pipeline over already-constructed stages.
func New(s1 *stage1.Stage1, s2 *stage2.Stage2, s3 *stage3.Stage3) *Pipeline {
	return &Pipeline{Stage1: s1, Stage2: s2, Stage3: s3}
}

// MaintainAndMigrate runs Stage1.Maintain() and forwards every evicted
// entry into Stage2. Neither stage is otherwise modified.
func (p *Pipeline) MaintainAndMigrate() ([]entry.Entry, error) {
	aged := p.Stage1.Maintain()
	if err := p.Stage2.AcceptEntries(aged); err != nil {
		return nil, errors.Wrap(err, "pipeline: accept entries into stage2")
	}
	return aged, nil
}

// Promote iterates up to batchSize epochs from Stage2's index, loads each
// entry, evaluates promotion eligibility by age and weight, and writes
// eligible entries into Stage3. now is used to compute each entry's age
// in days from its epoch. Returns the number of entries promoted.
func (p *Pipeline) Promote(batchSize int, now time.Time) (int, error) {
	epochs := p.Stage2.IndexEpochs(batchSize)
	promoted := 0

	for _, epoch := range epochs {
		e, err := p.Stage2.GetEntry(epoch)
		if err != nil {
			return promoted, errors.Wrapf(err, "pipeline: load epoch %d from stage2", epoch)
		}

		ageDays := int(now.Sub(time.Unix(int64(e.Epoch), 0)).Hours() / 24)
		if !p.Stage3.EvaluatePromotion(e, ageDays) {
			continue
		}

		if err := p.Stage3.StoreCoreMemory(e); err != nil {
			return promoted, errors.Wrapf(err, "pipeline: store epoch %d into stage3", epoch)
		}
		promoted++
	}
	return promoted, nil
}
