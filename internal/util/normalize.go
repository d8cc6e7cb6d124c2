package util

import (
	"regexp"
	"strings"
)

var labelSep = regexp.MustCompile(`[\s_\-./]+`)

// chainAliases folds common short names onto one canonical label.
var chainAliases = map[string]string{
	"eth":             "ethereum",
	"mainnet":         "ethereum",
	"bsc":             "bnb chain",
	"bnb":             "bnb chain",
	"binance":         "bnb chain",
	"bnb smart chain": "bnb chain",
	"matic":           "polygon",
	"arb":             "arbitrum",
	"arbitrum one":    "arbitrum",
	"op":              "optimism",
	"avax":            "avalanche",
	"sol":             "solana",
	"btc":             "bitcoin",
}

// NormalizeLabel lower-cases raw, collapses separators into single spaces
// and trims it, so "Smart-Contract_Exploit" and "smart contract exploit"
// compare equal.
func NormalizeLabel(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = labelSep.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeChain is NormalizeLabel plus alias folding.
func NormalizeChain(raw string) string {
	s := NormalizeLabel(raw)
	if alias, ok := chainAliases[s]; ok {
		return alias
	}
	return s
}
