package enrich

import (
	"fmt"
	"strings"
)

// Prompt templates for the two LLM stages. Keeping them here makes them
// easy to version and test.

const articleAnalysisSystem = `You are a news analysis AI for Uganda and East Africa.
Analyze articles objectively and return only valid JSON - no markdown, no preamble.`

const articleAnalysisUser = `Analyze this news article and return a JSON object:

{
  "summary": "2-3 sentence neutral summary of the article",
  "themes": ["list", "of", "themes"],
  "entities": {
    "people": ["Full Name"],
    "organizations": ["Org Name"],
    "places": ["Place Name"]
  },
  "importance_score": <int 0-10, 10 = major national story>,
  "follow_up_worthy": <true|false>
}

Themes should be chosen from:
governance, education, health, economy, entertainment, sports, crime, environment,
technology, politics, social, business, infrastructure, agriculture, tourism

Article title: %s
Article content:
%s`

func buildAnalysisPrompt(a Article, maxWords int) (system, user string) {
	return articleAnalysisSystem, fmt.Sprintf(articleAnalysisUser, a.Title, truncateWords(a.Content, maxWords))
}

const digestSystem = `You are a senior news analyst for Uganda and East Africa.
You write sharp, insightful intelligence briefs for professionals.
Return only valid JSON - no markdown, no preamble.`

const digestUser = `Generate a daily intelligence brief for %s.

You have %d analyzed articles from that day. Candidate stories (use ONLY
these article_id values; do not invent any others):
%s

Return a JSON object:
{
  "digest_text": "3-4 paragraph narrative digest in a professional tone",
  "top_stories": [
    {"article_id": <int from the candidates>, "headline": "<string>", "why_it_matters": "<1-2 sentences>"}
  ]
}
Order top_stories from most to least important.`

const digestRetrySuffix = `

IMPORTANT: your previous answer was rejected because it was not valid JSON
matching the schema above, or referenced an article_id outside the candidate
list. Respond with exactly one JSON object, no surrounding text, and use only
the listed article_id values.`

func buildDigestPrompt(date string, candidates []Enrichment, strict bool) (system, user string) {
	var b strings.Builder
	for _, e := range candidates {
		fmt.Fprintf(&b, "- article_id=%d importance=%d follow_up=%t title=%q summary=%q\n",
			e.ArticleID, e.Importance, e.FollowUp, e.Title, e.Summary)
	}
	user = fmt.Sprintf(digestUser, date, len(candidates), b.String())
	if strict {
		user += digestRetrySuffix
	}
	return digestSystem, user
}

// truncateWords caps text at maxWords words to keep prompt tokens bounded.
func truncateWords(text string, maxWords int) string {
	if maxWords <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
