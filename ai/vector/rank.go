package vector

import "sort"

// DataTypeBoost is added to the score of candidates whose data type appears
// in the query's DataTypes list. The list widens a search instead of
// narrowing it, so drivers fetch tenant-filtered candidates and the boost is
// applied here.
const DataTypeBoost = 0.05

// Oversample returns how many candidates a driver should fetch for a search
// so that boosting cannot push a qualifying entry out of the final cut.
func Oversample(limit int) int {
	if limit <= 0 {
		limit = 5
	}
	n := limit * 4
	if n < 20 {
		n = 20
	}
	return n
}

// Rank applies the data-type boost, drops candidates below MinScore, and
// returns the top Limit results ordered by score descending.
func Rank(candidates []SearchResult, query SearchQuery) []SearchResult {
	boosted := make(map[string]bool, len(query.DataTypes))
	for _, dataType := range query.DataTypes {
		boosted[NormalizeDataType(dataType)] = true
	}

	ranked := make([]SearchResult, 0, len(candidates))
	for _, candidate := range candidates {
		if boosted[candidate.Entry.DataType] {
			candidate.Score += DataTypeBoost
		}
		if candidate.Score >= query.MinScore {
			ranked = append(ranked, candidate)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if query.Limit > 0 && len(ranked) > query.Limit {
		ranked = ranked[:query.Limit]
	}
	return ranked
}
