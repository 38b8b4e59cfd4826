package matching

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/pkg/textnorm"
)

type Decision string

const (
	DecisionAutoCommit Decision = "auto_commit"
	DecisionSuggest    Decision = "suggest"
	DecisionNoMatch    Decision = "no_match"
)

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonAmbiguous   Reason = "ambiguous"
	ReasonNoNameMatch Reason = "no_name_match"
)

type Config struct {
	// Tolerance is the largest difference between payment and obligation
	// amounts still treated as equal.
	Tolerance     decimal.Decimal
	MaxCandidates int
}

func DefaultConfig() Config {
	return Config{Tolerance: decimal.New(5, -3), MaxCandidates: 10}
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxCandidates < 1 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	if cfg.Tolerance.IsNegative() {
		cfg.Tolerance = decimal.Zero
	}
	return &Engine{cfg: cfg}
}

// Candidate is an obligation whose open amount equals the payment's
// unallocated amount.
type Candidate struct {
	Obligation     models.Obligation `json:"obligation"`
	NameMatch      bool              `json:"name_match"`
	NameScore      float64           `json:"name_score"`
	DateScore      float64           `json:"date_score"`
	AmbiguityScore float64           `json:"ambiguity_score"`
	Score          float64           `json:"score"`
}

type Outcome struct {
	Decision Decision `json:"decision"`
	Reason   Reason   `json:"reason,omitempty"`
	// Target is set only for auto_commit.
	Target     *Candidate  `json:"target,omitempty"`
	Candidates []Candidate `json:"candidates"`
	// AmountMatches counts candidates before the cap was applied.
	AmountMatches int `json:"amount_matches"`
	NameMatches   int `json:"name_matches"`
}

// Details is the match record stored on engine allocations.
func (o Outcome) Details(p models.Payment, unallocated decimal.Decimal) datatypes.JSON {
	details := map[string]interface{}{
		"decision":        o.Decision,
		"payment_note":    p.Note,
		"amount":          unallocated.StringFixed(2),
		"candidate_count": o.AmountMatches,
		"name_matches":    o.NameMatches,
	}
	if o.Reason != ReasonNone {
		details["reason"] = o.Reason
	}
	if o.Target != nil {
		details["obligation"] = o.Target.Obligation.Ref.String()
		details["counterparty_name"] = o.Target.Obligation.CounterpartyName
		details["name_score"] = round2(o.Target.NameScore)
		details["date_score"] = o.Target.DateScore
		details["final_score"] = round2(o.Target.Score)
	}
	raw, _ := json.Marshal(details)
	return datatypes.JSON(raw)
}

// Evaluate decides what to do with one payment given the open obligation
// pool. It never touches storage; the pool is whatever the caller loaded.
func (e *Engine) Evaluate(p models.Payment, unallocated decimal.Decimal, pool []models.Obligation) Outcome {
	out := Outcome{Decision: DecisionNoMatch, Candidates: []Candidate{}}
	if !unallocated.IsPositive() {
		return out
	}

	var matches []Candidate
	for _, ob := range pool {
		if !e.eligible(p, ob) {
			continue
		}
		if ob.Remaining().Sub(unallocated).Abs().GreaterThan(e.cfg.Tolerance) {
			continue
		}
		c := Candidate{
			Obligation: ob,
			NameMatch:  textnorm.Contains(p.Note, ob.CounterpartyName),
			NameScore:  computeNameSimilarity(p.Note, ob.CounterpartyName),
		}
		if ob.DueDate != nil {
			c.DateScore = computeDateScore(p.Date, *ob.DueDate)
		}
		matches = append(matches, c)
	}
	if len(matches) == 0 {
		return out
	}

	// Ambiguity penalty if multiple obligations share the amount
	ambiguityScore := 100.0
	if len(matches) > 1 {
		ambiguityScore = 80.0
	}
	var named []Candidate
	for i := range matches {
		matches[i].AmbiguityScore = ambiguityScore
		matches[i].Score = 0.6*matches[i].NameScore + 0.3*matches[i].DateScore + 0.1*ambiguityScore
		if matches[i].NameMatch {
			named = append(named, matches[i])
		}
	}
	out.AmountMatches = len(matches)
	out.NameMatches = len(named)

	switch {
	case len(named) == 1:
		out.Decision = DecisionAutoCommit
		out.Target = &named[0]
		out.Candidates = named
	case len(named) > 1:
		sortBySpecificity(named)
		out.Decision = DecisionSuggest
		out.Reason = ReasonAmbiguous
		out.Candidates = e.capped(named)
	default:
		sortByScore(matches)
		out.Decision = DecisionSuggest
		out.Reason = ReasonNoNameMatch
		out.Candidates = e.capped(matches)
	}
	return out
}

func (e *Engine) eligible(p models.Payment, ob models.Obligation) bool {
	if ob.Status != models.StatusOpen && ob.Status != models.StatusPartial {
		return false
	}
	if !models.Compatible(p.Direction, ob) {
		return false
	}
	// A transfer leg only settles against its own account's statement
	if ob.Ref.Kind == models.KindTransfer {
		return ob.BankAccountID != nil && *ob.BankAccountID == p.BankAccountID
	}
	return true
}

func (e *Engine) capped(cs []Candidate) []Candidate {
	if len(cs) > e.cfg.MaxCandidates {
		return cs[:e.cfg.MaxCandidates]
	}
	return cs
}

// sortBySpecificity puts the longest counterparty name first, then the
// earliest due date.
func sortBySpecificity(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		li := len([]rune(textnorm.Fold(cs[i].Obligation.CounterpartyName)))
		lj := len([]rune(textnorm.Fold(cs[j].Obligation.CounterpartyName)))
		if li != lj {
			return li > lj
		}
		if c := compareDue(cs[i].Obligation.DueDate, cs[j].Obligation.DueDate); c != 0 {
			return c < 0
		}
		return cs[i].Obligation.Ref.String() < cs[j].Obligation.Ref.String()
	})
}

func sortByScore(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		if c := compareDue(cs[i].Obligation.DueDate, cs[j].Obligation.DueDate); c != 0 {
			return c < 0
		}
		return cs[i].Obligation.Ref.String() < cs[j].Obligation.Ref.String()
	})
}

// compareDue orders by due date with missing dates last.
func compareDue(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case b.Before(*a):
		return 1
	}
	return 0
}

// computeNameSimilarity scores how well the counterparty's tokens appear in
// the note, 0..100. Each counterparty token takes its best Levenshtein
// similarity against any note token.
func computeNameSimilarity(note, counterparty string) float64 {
	nTokens := strings.Fields(normalizeName(note))
	cTokens := strings.Fields(normalizeName(counterparty))

	if len(cTokens) == 0 {
		return 0
	}

	totalScore := 0.0
	for _, cTok := range cTokens {
		best := 0.0
		for _, nTok := range nTokens {
			dist := levenshtein(cTok, nTok)
			maxLen := math.Max(float64(len([]rune(cTok))), float64(len([]rune(nTok))))
			sim := 1 - float64(dist)/maxLen
			if sim > best {
				best = sim
			}
		}
		totalScore += best
	}

	return (totalScore / float64(len(cTokens))) * 100
}

func normalizeName(s string) string {
	s = strings.NewReplacer(".", "", ",", "", "-", " ", "/", " ").Replace(s)
	return textnorm.Fold(s)
}

func computeDateScore(paymentDate, dueDate time.Time) float64 {
	days := math.Abs(paymentDate.Sub(dueDate).Hours() / 24)

	switch {
	case days <= 3:
		return 100
	case days <= 7:
		return 80
	case days <= 15:
		return 60
	case days <= 30:
		return 40
	default:
		return 20
	}
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 0
			if ra[i-1] != rb[j-1] {
				cost = 1
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
