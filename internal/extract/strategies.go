package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Strategy is one independent technique for obtaining a price from a rendered
// document. Strategies are tried in priority order by the pipeline.
type Strategy interface {
	Name() string
	Extract(doc *goquery.Document, family string) (float64, error)
}

// structuredData parses application/ld+json blocks looking for offers.price.
type structuredData struct{}

func (structuredData) Name() string { return "structuredData" }

func (structuredData) Extract(doc *goquery.Document, family string) (float64, error) {
	var price *float64

	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true
		}
		if p := findOfferPrice(data, 0); p != nil {
			price = p
			return false
		}
		return true
	})

	if price == nil {
		return 0, fmt.Errorf("no ld+json offers.price found")
	}
	return *price, nil
}

// findOfferPrice walks arbitrarily nested JSON-LD (graphs, offer arrays) for
// the first parsable offers.price.
func findOfferPrice(node any, depth int) *float64 {
	if depth > 8 {
		return nil
	}

	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if p := findOfferPrice(item, depth+1); p != nil {
				return p
			}
		}
	case map[string]any:
		if offers, ok := v["offers"]; ok {
			if p := priceFromOffers(offers); p != nil {
				return p
			}
		}
		if graph, ok := v["@graph"]; ok {
			if p := findOfferPrice(graph, depth+1); p != nil {
				return p
			}
		}
	}
	return nil
}

func priceFromOffers(offers any) *float64 {
	switch v := offers.(type) {
	case []any:
		for _, offer := range v {
			if p := priceFromOffers(offer); p != nil {
				return p
			}
		}
	case map[string]any:
		for _, key := range []string{"price", "lowPrice"} {
			if raw, ok := v[key]; ok {
				if p := priceValue(raw); p != nil {
					return p
				}
			}
		}
		if spec, ok := v["priceSpecification"]; ok {
			return priceFromOffers(spec)
		}
	}
	return nil
}

func priceValue(raw any) *float64 {
	switch v := raw.(type) {
	case float64:
		if v >= 0 {
			value := v
			return &value
		}
	case string:
		return NormalizePrice(v)
	}
	return nil
}

// domainSelectors tries an explicit per-domain-family ordered selector list.
type domainSelectors struct {
	selectors map[string][]string
}

func newDomainSelectors() *domainSelectors {
	return &domainSelectors{
		selectors: map[string][]string{
			"amazon": {
				"#corePrice_feature_div span.a-offscreen",
				"span.a-price span.a-offscreen",
				"#priceblock_ourprice",
				"#priceblock_dealprice",
				"#price_inside_buybox",
			},
			"mercadolivre": {
				".ui-pdp-price__second-line .andes-money-amount__fraction",
				".andes-money-amount__fraction",
				".price-tag-fraction",
			},
			"magazineluiza": {
				`[data-testid="price-value"]`,
				".price-template__text",
			},
			"americanas": {
				".priceSales",
				`[class*="PriceUI"] [class*="SalesPrice"]`,
			},
			"casasbahia": {
				"#product-price",
				`[data-testid="product-price-value"]`,
			},
			"ebay": {
				".x-price-primary .ux-textspans",
				"#prcIsum",
			},
		},
	}
}

func (domainSelectors) Name() string { return "domainSelectors" }

func (d *domainSelectors) Extract(doc *goquery.Document, family string) (float64, error) {
	selectors, ok := d.selectors[family]
	if !ok {
		return 0, fmt.Errorf("no selectors registered for family %q", family)
	}
	return firstSelectorPrice(doc, selectors)
}

// genericSelectors is the smaller domain-agnostic fallback list.
type genericSelectors struct{}

func (genericSelectors) Name() string { return "genericSelectors" }

func (genericSelectors) Extract(doc *goquery.Document, family string) (float64, error) {
	return firstSelectorPrice(doc, []string{
		`[itemprop="price"]`,
		".product-price",
		".price-value",
		".current-price",
		"#price",
		".price",
	})
}

func firstSelectorPrice(doc *goquery.Document, selectors []string) (float64, error) {
	for _, selector := range selectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}

		text := strings.TrimSpace(sel.Text())
		if text == "" {
			// itemprop-style elements often carry the value in an attribute.
			if content, ok := sel.Attr("content"); ok {
				text = content
			}
		}
		if text == "" {
			continue
		}

		if price := NormalizePrice(text); price != nil {
			return *price, nil
		}
		return 0, fmt.Errorf("selector %q matched %q but it did not parse as a price", selector, text)
	}
	return 0, fmt.Errorf("no selector matched a non-empty price")
}

// scriptState scrapes serialized global state objects out of inline scripts.
type scriptState struct{}

func (scriptState) Name() string { return "scriptState" }

var (
	stateVarNames = []string{
		"__INITIAL_STATE__",
		"__PRELOADED_STATE__",
		"__NEXT_DATA__",
		"__NUXT__",
		"dataLayer",
		"digitalData",
	}
	statePriceRe = regexp.MustCompile(`"price"\s*:\s*"?([0-9][0-9.,]*)"?`)
)

func (scriptState) Extract(doc *goquery.Document, family string) (float64, error) {
	var price *float64

	doc.Find("script:not([src])").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		for _, name := range stateVarNames {
			if !strings.Contains(text, name) {
				continue
			}
			if m := statePriceRe.FindStringSubmatch(text); m != nil {
				price = NormalizePrice(m[1])
				if price != nil {
					return false
				}
			}
		}
		return true
	})

	if price == nil {
		return 0, fmt.Errorf("no known global state variable carried a price field")
	}
	return *price, nil
}

// regexScan matches currency-like tokens over the whole document text. It is
// deliberately ranked last: it has no notion of which price belongs to the
// product and will happily match shipping costs or ads.
type regexScan struct{}

func (regexScan) Name() string { return "regexScan" }

var currencyRe = regexp.MustCompile(`(?:R\$|US\$|\$|€|£)\s*([0-9][0-9.,]*)`)

func (regexScan) Extract(doc *goquery.Document, family string) (float64, error) {
	text := doc.Find("body").Text()
	m := currencyRe.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("no currency-like token in document")
	}

	price := NormalizePrice(m[1])
	if price == nil || *price == 0 {
		return 0, fmt.Errorf("currency token %q did not parse as a usable price", m[0])
	}
	return *price, nil
}
