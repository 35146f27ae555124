package store

// ApplyOptions filters, sorts, pages and projects records in memory. It is
// used by engines that cannot push the query down to storage. primaryKey is
// always kept by a projection.
func ApplyOptions(records []Record, opts FindOptions, primaryKey string) ([]Record, int) {
	matched := make([]Record, 0, len(records))
	for _, rec := range records {
		if opts.Filter.Match(rec) {
			matched = append(matched, rec)
		}
	}

	sorts := opts.Sort
	if len(sorts) == 0 {
		sorts = []SortField{{Column: primaryKey}}
	}
	SortRecords(matched, sorts)

	total := len(matched)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := total
	if opts.Limit > 0 && start+opts.Limit < total {
		end = start + opts.Limit
	}
	page := matched[start:end]

	if len(opts.Projection) == 0 {
		return page, total
	}
	projected := make([]Record, len(page))
	for i, rec := range page {
		projected[i] = Project(rec, opts.Projection, primaryKey)
	}
	return projected, total
}

// Project returns a copy of rec holding only the given columns and the primary key.
func Project(rec Record, columns []string, primaryKey string) Record {
	out := Record{primaryKey: rec[primaryKey]}
	for _, c := range columns {
		if v, ok := rec[c]; ok {
			out[c] = v
		}
	}
	return out
}
