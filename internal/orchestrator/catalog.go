package orchestrator

import (
	"receipt-api/internal/models"
)

// CatalogEntry is a purchasable subscription offered in the current session
type CatalogEntry struct {
	ID       string
	Level    models.Level
	Duration models.Duration
	Title    string
	Price    string
	Features []string
}

var levelFeatures = map[models.Level][]string{
	models.LevelBasic: {
		"Exam score tracking",
		"Homework planner",
	},
	models.LevelStandard: {
		"Exam score tracking",
		"Homework planner",
		"Study goals and streaks",
		"Unlimited notes",
	},
	models.LevelPremium: {
		"Exam score tracking",
		"Homework planner",
		"Study goals and streaks",
		"Unlimited notes",
		"AI tutor chat",
		"Q&A portal",
	},
}

// newCatalogEntry builds an entry from a store product. Products whose id
// does not follow the subscription naming scheme are rejected.
func newCatalogEntry(p StoreProduct, namespace string) (CatalogEntry, error) {
	info, err := models.ParseProductID(p.ID, namespace)
	if err != nil {
		return CatalogEntry{}, err
	}
	title := p.Title
	if title == "" {
		title = string(info.Level) + " (" + string(info.Duration) + ")"
	}
	features := append([]string(nil), levelFeatures[info.Level]...)
	return CatalogEntry{
		ID:       info.ID,
		Level:    info.Level,
		Duration: info.Duration,
		Title:    title,
		Price:    p.DisplayPrice,
		Features: features,
	}, nil
}
