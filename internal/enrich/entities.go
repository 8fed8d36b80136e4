package enrich

import (
	"strings"
	"time"
)

// ExtractMentions flattens a successful enrichment into EntityMention
// rows for trend aggregation. Pure transform: names are trimmed and
// deduplicated case-insensitively within the article (first spelling
// wins), so one article never yields duplicate (name, type) mentions.
// Must only be called on a succeeded enrichment.
func ExtractMentions(e Enrichment, refDate time.Time) []EntityMention {
	if e.Status != StatusSucceeded {
		return nil
	}
	day := TruncateToDay(refDate)

	var mentions []EntityMention
	seen := make(map[string]struct{})
	add := func(names []string, typ EntityType) {
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			key := strings.ToLower(name) + "|" + string(typ)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			mentions = append(mentions, EntityMention{
				ArticleID:   e.ArticleID,
				EntityName:  name,
				EntityType:  typ,
				MentionDate: day,
			})
		}
	}
	add(e.People, EntityPerson)
	add(e.Orgs, EntityOrganization)
	add(e.Places, EntityPlace)
	return mentions
}
