// Package columnar holds the in-memory item attribute table.
//
// Every attribute is stored as a Column: a sorted dictionary of distinct
// text values plus one uint32 code per row. Codes of the same column
// compare like their values, which lets grouping code work on codes alone
// and keeps an item database of millions of rows to a few bytes per cell.
//
// Numeric columns are detected when built: if every distinct value parses
// as a float, the dictionary is ordered numerically and Float returns the
// parsed value.
//
//	b := columnar.NewBuilder(len(rows))
//	for _, r := range rows {
//	    b.Append(r.talker)
//	}
//	table := columnar.NewTable(len(rows))
//	if err := table.Add("talker", b.Build()); err != nil {
//	    return err
//	}
package columnar
