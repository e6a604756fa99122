package classifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

type topic struct {
	name        string
	title       string
	description string
	keywords    []string
}

// Common support topics and the words that signal them
var topics = []topic{
	{
		name:        "billing",
		title:       "Billing Issue",
		description: "Questions or complaints about invoices, charges, payments or pricing.",
		keywords:    []string{"invoice", "invoices", "bill", "billed", "billing", "charge", "charged", "payment", "paid", "price", "pricing", "receipt", "subscription"},
	},
	{
		name:        "refund",
		title:       "Refund Request",
		description: "The customer wants money back for an order or a subscription.",
		keywords:    []string{"refund", "refunded", "reimburse", "money", "return", "returned"},
	},
	{
		name:        "shipping",
		title:       "Shipping Delay",
		description: "Orders or parcels that are late, lost or delivered to the wrong place.",
		keywords:    []string{"shipping", "shipment", "delivery", "delivered", "parcel", "package", "tracking", "courier", "order"},
	},
	{
		name:        "account",
		title:       "Account Access",
		description: "The customer cannot sign in, reset a password or reach their account.",
		keywords:    []string{"account", "login", "log", "password", "signin", "sign", "locked", "reset", "2fa", "verification"},
	},
	{
		name:        "technical",
		title:       "Technical Problem",
		description: "Something in the product is broken, crashes, errors out or is slow.",
		keywords:    []string{"bug", "error", "crash", "crashes", "broken", "slow", "outage", "down", "fails", "failing"},
	},
	{
		name:        "cancellation",
		title:       "Cancellation Request",
		description: "The customer wants to cancel or downgrade a plan or an order.",
		keywords:    []string{"cancel", "cancellation", "unsubscribe", "downgrade", "terminate"},
	},
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {}, "your": {},
	"with": {}, "this": {}, "that": {}, "have": {}, "has": {}, "was": {}, "were": {}, "from": {},
	"they": {}, "them": {}, "our": {}, "can": {}, "could": {}, "would": {}, "should": {}, "will": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "how": {}, "all": {},
	"any": {}, "been": {}, "there": {}, "their": {}, "about": {}, "please": {}, "thanks": {},
	"hello": {}, "customer": {}, "problem": {}, "issue": {}, "request": {}, "its": {}, "into": {},
	"also": {}, "just": {}, "still": {}, "some": {}, "one": {}, "get": {}, "got": {}, "like": {},
}

// KeywordClassifier is an offline Model. It matches categories by word overlap
// and mints categories from a fixed topic table. Replies always escalate.
type KeywordClassifier struct {
	minConfidence float64
}

func NewKeywordClassifier(minConfidence float64) *KeywordClassifier {
	return &KeywordClassifier{minConfidence: minConfidence}
}

func (c *KeywordClassifier) ClassifyText(ctx context.Context, candidates []Candidate, transcript Transcript) (Verdict, error) {
	words := tokenize(transcriptText(transcript))

	candidateTerms := make([]map[string]struct{}, len(candidates))
	vocabulary := make(map[string]struct{})
	for i, cand := range candidates {
		candidateTerms[i] = termsFor(cand)
		for term := range candidateTerms[i] {
			vocabulary[term] = struct{}{}
		}
	}

	// only words some candidate knows about carry signal
	topical := make(map[string]struct{})
	for _, w := range words {
		if _, ok := vocabulary[w]; ok {
			topical[w] = struct{}{}
		}
	}
	if len(topical) == 0 {
		return Verdict{Explanation: "no topical words in thread"}, nil
	}

	best, bestScore := -1, 0.0
	for i, terms := range candidateTerms {
		hits := 0
		for w := range topical {
			if _, ok := terms[w]; ok {
				hits++
			}
		}
		score := float64(hits) / float64(len(topical))
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 || bestScore < c.minConfidence {
		return Verdict{Explanation: fmt.Sprintf("best score %.2f below %.2f", bestScore, c.minConfidence)}, nil
	}

	id := candidates[best].ID
	return Verdict{
		CategoryID:  &id,
		Explanation: fmt.Sprintf("matched %q with score %.2f", candidates[best].Title, bestScore),
	}, nil
}

func (c *KeywordClassifier) SynthesizeCategory(ctx context.Context, transcript Transcript) (CategoryDraft, error) {
	words := tokenize(transcriptText(transcript))
	if len(words) == 0 {
		return CategoryDraft{}, nil
	}

	best, bestHits := -1, 0
	for i, tp := range topics {
		hits := 0
		for _, w := range words {
			if containsWord(tp.keywords, w) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best >= 0 {
		return CategoryDraft{Title: topics[best].title, Description: topics[best].description}, nil
	}

	top := topWords(words, 3)
	return CategoryDraft{
		Title:       "General Inquiry",
		Description: "Requests mentioning " + strings.Join(top, ", ") + ".",
	}, nil
}

func (c *KeywordClassifier) DraftReply(ctx context.Context, rc ReplyContext) (ReplyDraft, error) {
	subject := "your request"
	if rc.Thread != nil && strings.TrimSpace(rc.Thread.Subject) != "" {
		subject = fmt.Sprintf("%q", strings.TrimSpace(rc.Thread.Subject))
	}
	return ReplyDraft{
		Action: ActionEscalate,
		Messages: []string{
			fmt.Sprintf("Thanks for getting in touch about %s. A member of our team will follow up shortly.", subject),
		},
	}, nil
}

// termsFor returns a candidate's words plus the keywords of any topic its title names.
func termsFor(cand Candidate) map[string]struct{} {
	terms := make(map[string]struct{})
	titleWords := tokenize(cand.Title)
	for _, w := range titleWords {
		terms[w] = struct{}{}
	}
	for _, w := range tokenize(cand.Description) {
		terms[w] = struct{}{}
	}
	for _, tp := range topics {
		if containsWord(titleWords, tp.name) || strings.EqualFold(cand.Title, tp.title) {
			for _, k := range tp.keywords {
				terms[k] = struct{}{}
			}
		}
	}
	return terms
}

func transcriptText(transcript Transcript) string {
	var b strings.Builder
	for _, u := range transcript {
		b.WriteString(u.Content)
		b.WriteByte(' ')
	}
	return b.String()
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		words = append(words, f)
	}
	return words
}

func containsWord(words []string, word string) bool {
	for _, w := range words {
		if w == word {
			return true
		}
	}
	return false
}

func topWords(words []string, n int) []string {
	counts := make(map[string]int)
	for _, w := range words {
		counts[w]++
	}
	unique := make([]string, 0, len(counts))
	for w := range counts {
		unique = append(unique, w)
	}
	sort.Slice(unique, func(i, j int) bool {
		if counts[unique[i]] != counts[unique[j]] {
			return counts[unique[i]] > counts[unique[j]]
		}
		return unique[i] < unique[j]
	})
	if len(unique) > n {
		unique = unique[:n]
	}
	return unique
}
