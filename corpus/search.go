package corpus

import (
	"strings"
	"unicode"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// tokenize normalizes text to NFKC, case-folds it, and splits it on
// anything that is not a letter or digit.
func tokenize(text string) []string {
	folded := foldCaser.String(norm.NFKC.String(text))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenHashes(text string) []uint64 {
	tokens := tokenize(text)
	seen := make(map[uint64]struct{}, len(tokens))
	hashes := make([]uint64, 0, len(tokens))
	for _, t := range tokens {
		h := xxhash.Sum64String(t)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	return hashes
}

// Search evaluates a keyword query against the posting table and returns
// the set of matching natural keys. The query is a disjunction of clauses
// separated by the word OR; within a clause every token must match, with
// quoted phrases contributing their tokens to the clause. Unsupported or
// unbalanced syntax yields an empty set, never an error: filtering is
// advisory.
func (ix *Index) Search(query string) (map[string]struct{}, error) {
	clauses, ok := parseQuery(query)
	if !ok {
		ix.log.Debug("unparseable search query", "corpus", ix.name, "query", query)
		return map[string]struct{}{}, nil
	}
	matches := make(map[string]struct{})
	for _, clause := range clauses {
		clauseKeys, err := ix.clauseKeys(clause)
		if err != nil {
			return nil, err
		}
		for k := range clauseKeys {
			matches[k] = struct{}{}
		}
	}
	return matches, nil
}

// clauseKeys intersects the posting sets of every token in the clause.
func (ix *Index) clauseKeys(tokens []string) (map[string]struct{}, error) {
	var acc map[string]struct{}
	for _, token := range tokens {
		keys, err := ix.tokenKeys(token)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = keys
			continue
		}
		for k := range acc {
			if _, ok := keys[k]; !ok {
				delete(acc, k)
			}
		}
		if len(acc) == 0 {
			break
		}
	}
	if acc == nil {
		acc = map[string]struct{}{}
	}
	return acc, nil
}

func (ix *Index) tokenKeys(token string) (map[string]struct{}, error) {
	hash := xxhash.Sum64String(token)
	lower := postKey(hash, "")
	upper := append(append([]byte(nil), lower[:len(lower)-1]...), 1)
	iter, err := ix.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	keys := make(map[string]struct{})
	for iter.First(); iter.Valid(); iter.Next() {
		keys[string(iter.Key()[len(lower):])] = struct{}{}
	}
	return keys, iter.Error()
}

// parseQuery splits a raw query into OR-separated clauses of normalized
// tokens. Reports !ok on unbalanced quotes.
func parseQuery(query string) (clauses [][]string, ok bool) {
	var clause []string
	flush := func() {
		if len(clause) > 0 {
			clauses = append(clauses, clause)
			clause = nil
		}
	}

	rest := query
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, false
			}
			clause = append(clause, tokenize(rest[1:1+end])...)
			rest = rest[end+2:]
			continue
		}
		word := rest
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			word, rest = rest[:i], rest[i:]
		} else {
			rest = ""
		}
		if strings.EqualFold(word, "OR") {
			flush()
			continue
		}
		clause = append(clause, tokenize(word)...)
	}
	flush()
	return clauses, true
}
