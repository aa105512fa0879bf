// Package extract resolves a normalized price from rendered HTML through an
// ordered chain of independent strategies, returning on first success.
package extract

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Outcome is either a price with the winning strategy name, or the ordered
// reasons every strategy failed. Never both.
type Outcome struct {
	Price       *float64
	Strategy    string
	FailReasons []string
}

// Pipeline runs the strategy chain and memoizes the last winning strategy per
// domain family so the next call for that family tries it first.
type Pipeline struct {
	strategies []Strategy
	logger     *slog.Logger

	mu           sync.Mutex
	lastWinByFam map[string]string
}

func NewPipeline(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		strategies: []Strategy{
			structuredData{},
			newDomainSelectors(),
			genericSelectors{},
			scriptState{},
			regexScan{},
		},
		logger:       logger.With("component", "extract"),
		lastWinByFam: make(map[string]string),
	}
}

// Extract parses html and runs the chain for domain. Failed steps each
// contribute a one-line reason; they are never silently swallowed.
func (p *Pipeline) Extract(html, domain string) Outcome {
	return p.run(html, domain, p.ordered)
}

// ExtractAlternate runs the chain with the family's memoized winner demoted to
// the back instead of promoted. A repeat pass after a parse failure must not
// replay the exact order that just produced nothing.
func (p *Pipeline) ExtractAlternate(html, domain string) Outcome {
	return p.run(html, domain, p.demoted)
}

func (p *Pipeline) run(html, domain string, order func(family string) []Strategy) Outcome {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Outcome{FailReasons: []string{fmt.Sprintf("document parse failed: %v", err)}}
	}

	family := DomainFamily(domain)

	var reasons []string
	for _, strategy := range order(family) {
		price, err := strategy.Extract(doc, family)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", strategy.Name(), err))
			continue
		}

		p.remember(family, strategy.Name())
		p.logger.Debug("price extracted", "domain", domain, "strategy", strategy.Name(), "price", price)
		return Outcome{Price: &price, Strategy: strategy.Name()}
	}

	return Outcome{FailReasons: reasons}
}

// ordered returns the chain with the family's last winning strategy moved to
// the front.
func (p *Pipeline) ordered(family string) []Strategy {
	p.mu.Lock()
	winner := p.lastWinByFam[family]
	p.mu.Unlock()

	if winner == "" {
		return p.strategies
	}

	ordered := make([]Strategy, 0, len(p.strategies))
	for _, s := range p.strategies {
		if s.Name() == winner {
			ordered = append(ordered, s)
			break
		}
	}
	for _, s := range p.strategies {
		if s.Name() != winner {
			ordered = append(ordered, s)
		}
	}
	return ordered
}

// demoted returns the chain with the family's last winning strategy moved to
// the back.
func (p *Pipeline) demoted(family string) []Strategy {
	p.mu.Lock()
	winner := p.lastWinByFam[family]
	p.mu.Unlock()

	if winner == "" {
		return p.strategies
	}

	ordered := make([]Strategy, 0, len(p.strategies))
	for _, s := range p.strategies {
		if s.Name() != winner {
			ordered = append(ordered, s)
		}
	}
	for _, s := range p.strategies {
		if s.Name() == winner {
			ordered = append(ordered, s)
		}
	}
	return ordered
}

func (p *Pipeline) remember(family, strategy string) {
	p.mu.Lock()
	p.lastWinByFam[family] = strategy
	p.mu.Unlock()
}

// LastWinner returns the memoized strategy for a family, if any.
func (p *Pipeline) LastWinner(family string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastWinByFam[family]
}

// DomainFamily reduces a hostname to its site family: "www.amazon.com.br" and
// "amazon.de" both map to "amazon", so selector lists and strategy memos are
// shared across a retailer's country sites.
func DomainFamily(domain string) string {
	host := strings.ToLower(domain)
	host = strings.TrimPrefix(host, "www.")
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}
