package routing

import (
	"strings"
	"time"
)

// Category classifies a local pattern response.
type Category string

// Local response categories, in matching priority order.
const (
	CategoryGreeting  Category = "greeting"
	CategoryWellbeing Category = "wellbeing"
	CategoryThanks    Category = "thanks"
	CategoryFarewell  Category = "farewell"
	CategoryTime      Category = "time"
	CategoryDate      Category = "date"
	CategoryQuestion  Category = "question"
	CategoryCommand   Category = "command"
	CategoryGeneric   Category = "generic"
)

// Fixed responses.
const (
	ResponseGreeting  = "Hello! How can I help you today?"
	ResponseWellbeing = "I'm doing well, thank you for asking! How can I assist you?"
	ResponseThanks    = "You're welcome! Is there anything else I can help you with?"
	ResponseFarewell  = "Goodbye! Have a great day!"
	ResponseQuestion  = "That's a good question, but I can't look it up while I'm in limited mode. Please ask me again in a little while."
	ResponseCommand   = "I can't do that while I'm in limited mode, but I'll be able to help once I'm fully connected."
	ResponseGeneric   = "I understand you're asking about something, but I'm operating in limited mode right now. Could you try rephrasing your question?"

	// ResponseAllFailed is spoken when neither the remote nor the local path
	// produced an answer.
	ResponseAllFailed = "I'm sorry, I'm having trouble processing your request right now."
)

type pattern struct {
	category Category
	keywords []string
	text     string
}

// Keywords are case-insensitive substrings of the query, so "hi" also fires
// inside "this" and "thanks" inside "thanksss".
var patterns = []pattern{
	{CategoryGreeting, []string{"hello", "hi", "hey"}, ResponseGreeting},
	{CategoryWellbeing, []string{"how are you", "how do you do"}, ResponseWellbeing},
	{CategoryThanks, []string{"thank you", "thanks"}, ResponseThanks},
	{CategoryFarewell, []string{"goodbye", "bye", "see you"}, ResponseFarewell},
	{CategoryTime, []string{"time"}, ""},
	{CategoryDate, []string{"date", "today", "day is it"}, ""},
	{CategoryQuestion, []string{"what", "what's", "who", "who's", "where", "where's", "when", "why", "how", "which", "can you", "do you", "is it"}, ResponseQuestion},
	{CategoryCommand, []string{"turn on", "turn off", "set", "play", "open", "start", "remind", "call"}, ResponseCommand},
}

// LocalResponder answers queries from a fixed set of patterns. It never
// returns an empty response.
type LocalResponder struct {
	now func() time.Time
}

// NewLocalResponder creates a LocalResponder. A nil now means time.Now.
func NewLocalResponder(now func() time.Time) *LocalResponder {
	if now == nil {
		now = time.Now
	}
	return &LocalResponder{now: now}
}

// Respond returns the response for the first matching category.
func (r *LocalResponder) Respond(query string) (string, Category) {
	lower := strings.ToLower(query)
	for _, p := range patterns {
		if !containsAny(lower, p.keywords) {
			continue
		}
		switch p.category {
		case CategoryTime:
			return "The current time is " + r.now().Format("03:04 PM") + ".", p.category
		case CategoryDate:
			return "Today's date is " + r.now().Format("January 02, 2006") + ".", p.category
		}
		return p.text, p.category
	}
	if strings.HasSuffix(strings.TrimSpace(query), "?") {
		return ResponseQuestion, CategoryQuestion
	}
	return ResponseGeneric, CategoryGeneric
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
