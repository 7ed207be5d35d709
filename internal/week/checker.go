package week

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/games"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
)

// DocumentChecker checks days against the stored bedroom documents. Timed
// predicates are evaluated again at check time, so a hug completes only once
// its duration has passed on the server clock as well.
type DocumentChecker struct {
	Store *syncdoc.Store
}

func (c DocumentChecker) DayComplete(ctx context.Context, sessionID string, day int, now time.Time) (bool, error) {
	name := games.BedroomDay(day)
	doc, err := c.Store.Read(ctx, sessionID, name)
	if err != nil {
		return false, err
	}
	return c.Store.Registry().Completed(name, doc.Data, now)
}
