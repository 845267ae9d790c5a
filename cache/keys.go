package cache

import "strings"

// TechnologiesKey holds the JSON array of available technologies.
const TechnologiesKey = "technologies"

const (
	rulesPrefix = "rules/"
	rulePrefix  = "rule/"
)

// KeyKind identifies what a cache key holds.
type KeyKind int

const (
	KindInvalid KeyKind = iota
	KindTechnologies
	KindRules
	KindRule
)

// RulesKey is the key for the JSON array of rule names of a technology.
func RulesKey(technology string) string {
	return rulesPrefix + technology
}

// RuleKey is the key for the raw content of one rule document.
func RuleKey(technology, name string) string {
	return rulePrefix + technology + "/" + name
}

// ParseKey splits a key into its kind, technology and rule name.
func ParseKey(key string) (kind KeyKind, technology, name string) {
	switch {
	case key == TechnologiesKey:
		return KindTechnologies, "", ""
	case strings.HasPrefix(key, rulesPrefix):
		tech := strings.TrimPrefix(key, rulesPrefix)
		if tech == "" || strings.Contains(tech, "/") {
			return KindInvalid, "", ""
		}
		return KindRules, tech, ""
	case strings.HasPrefix(key, rulePrefix):
		tech, name, ok := strings.Cut(strings.TrimPrefix(key, rulePrefix), "/")
		if !ok || tech == "" || name == "" || strings.Contains(name, "/") {
			return KindInvalid, "", ""
		}
		return KindRule, tech, name
	default:
		return KindInvalid, "", ""
	}
}
