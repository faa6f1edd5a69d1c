package scoring

import (
	"context"
	"math"
	"strings"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// Keyword tier weights. A hazard's raw score is the sum of the weights of
// every phrase of that hazard found in the text.
const (
	strongWeight = 0.4
	mediumWeight = 0.25
	weakWeight   = 0.1

	urgencyFactor   = 0.15
	placeBoost      = 0.1
	maxBaseScore    = 0.95
	maxConfidence   = 0.98
	noMatchScore    = 0.15
	unknownLabel    = "unknown"
	heuristicPrefix = "heuristic:"
)

type phraseSet struct {
	strong, medium, weak []string
}

var hazardPhrases = map[string]phraseSet{
	"tsunami": {
		strong: []string{"tsunami", "massive waves", "giant wave", "wall of water", "sea surge"},
		medium: []string{"huge waves", "tidal wave", "big wave", "abnormal waves", "ocean surge"},
		weak:   []string{"large waves", "high tide", "wave activity"},
	},
	"flood": {
		strong: []string{"flash flood", "flooding", "inundation", "submerged", "water logging"},
		medium: []string{"flood", "waterlogged", "overflow", "heavy rain", "water level rising"},
		weak:   []string{"water level", "rain", "wet"},
	},
	"cyclone": {
		strong: []string{"cyclone", "hurricane", "typhoon", "severe storm", "wind damage"},
		medium: []string{"storm", "strong winds", "gale", "low pressure", "tempest"},
		weak:   []string{"wind", "weather", "cloudy"},
	},
	"high-waves": {
		strong: []string{"dangerous waves", "rough sea", "choppy sea", "sea turbulence"},
		medium: []string{"high waves", "wave height", "swells", "tidal surge"},
		weak:   []string{"waves", "sea conditions"},
	},
	"oil-spill": {
		strong: []string{"oil spill", "petroleum spill", "crude oil leak", "environmental disaster"},
		medium: []string{"oil slick", "oil pollution", "tar balls", "chemical spill"},
		weak:   []string{"oil", "pollution", "slick"},
	},
	"coastal-erosion": {
		strong: []string{"severe erosion", "coast eroding", "land loss", "beach receding"},
		medium: []string{"erosion", "shoreline damage", "sand loss"},
		weak:   []string{"shore", "beach", "coast"},
	},
	"storm-surge": {
		strong: []string{"storm surge", "coastal inundation", "surge flooding"},
		medium: []string{"high tide surge", "coastal flooding"},
		weak:   []string{"surge"},
	},
	"algal-bloom": {
		strong: []string{"toxic algae", "red tide", "algal bloom", "water contamination"},
		medium: []string{"algae bloom", "green tide", "water discoloration"},
		weak:   []string{"algae", "green water"},
	},
	"ship-accident": {
		strong: []string{"ship accident", "vessel collision", "boat capsized", "maritime disaster"},
		medium: []string{"shipwreck", "boat accident", "ferry accident"},
		weak:   []string{"ship", "boat", "vessel"},
	},
	"drowning": {
		strong: []string{"drowning emergency", "person swept away", "rescue needed urgently"},
		medium: []string{"drowning", "man overboard", "missing swimmer"},
		weak:   []string{"swimming", "water rescue"},
	},
}

var urgentWords = map[string]float64{
	"critical":  1.0,
	"emergency": 0.9,
	"crisis":    0.9,
	"urgent":    0.8,
	"danger":    0.8,
	"immediate": 0.8,
	"help":      0.7,
	"alert":     0.7,
	"breaking":  0.7,
}

var coastalPlaces = []string{
	"mumbai", "chennai", "kolkata", "kochi", "visakhapatnam", "goa", "mangalore",
	"puducherry", "bhubaneswar", "karaikal", "daman", "diu", "paradip", "haldia",
	"kandla", "jawaharlal nehru port", "cochin port",
}

// HeuristicOracle is a keyword classifier used when no remote oracle is
// configured. It never blocks and never fails.
type HeuristicOracle struct{}

// NewHeuristicOracle returns the built-in keyword oracle.
func NewHeuristicOracle() *HeuristicOracle {
	return &HeuristicOracle{}
}

// Score returns the best-matching hazard label and a confidence boosted by
// urgent vocabulary and known coastal place names.
func (HeuristicOracle) Score(ctx context.Context, text string) (domain.OracleResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OracleResult{}, err
	}
	t := strings.ToLower(text)
	if strings.TrimSpace(t) == "" {
		return domain.OracleResult{Confidence: 0, Label: heuristicPrefix + unknownLabel}, nil
	}

	bestLabel, bestScore := "", 0.0
	for label, set := range hazardPhrases {
		score := matchWeight(t, set.strong, strongWeight) +
			matchWeight(t, set.medium, mediumWeight) +
			matchWeight(t, set.weak, weakWeight)
		// Map iteration order is random; break ties on label.
		if score > bestScore || (score == bestScore && score > 0 && label < bestLabel) {
			bestLabel, bestScore = label, score
		}
	}
	if bestScore == 0 {
		return domain.OracleResult{Confidence: noMatchScore, Label: heuristicPrefix + unknownLabel}, nil
	}

	conf := math.Min(maxBaseScore, bestScore)
	for word, w := range urgentWords {
		if strings.Contains(t, word) {
			conf += w * urgencyFactor
		}
	}
	for _, place := range coastalPlaces {
		if strings.Contains(t, place) {
			conf += placeBoost
			break
		}
	}
	conf = math.Min(maxConfidence, conf)
	return domain.OracleResult{
		Confidence: math.Round(conf*100) / 100,
		Label:      heuristicPrefix + bestLabel,
	}, nil
}

func matchWeight(text string, phrases []string, weight float64) float64 {
	total := 0.0
	for _, p := range phrases {
		if strings.Contains(text, p) {
			total += weight
		}
	}
	return total
}
