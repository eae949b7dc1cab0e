package feed

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/i474232898/air-quality-aggregation/internal/common"
)

// fieldPattern matches the generic numeric columns of a channel.
const fieldPattern = "field*"

// Assemble concatenates pages into a chronological Table. Pages fetched
// backward are reversed first; a record repeating the previous timestamp is
// the page boundary and is dropped. Generic "fieldN" columns are relabeled
// using the channel metadata of the first fetched page.
func Assemble(pages []Page, dir Direction) (*Table, error) {
	t := &Table{}
	if len(pages) == 0 {
		return t, nil
	}

	ordered := make([]Page, len(pages))
	copy(ordered, pages)
	if dir == Backward {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	t.Columns = columnsOf(ordered)
	for _, page := range ordered {
		for _, rec := range page.Records {
			ts, ok := rec[IndexColumn]
			if !ok || ts == "" {
				return nil, fmt.Errorf("feed record without %s", IndexColumn)
			}
			if n := len(t.Rows); n > 0 && t.Rows[n-1].CreatedAt == ts {
				continue
			}
			values := make([]string, len(t.Columns))
			for i, c := range t.Columns {
				values[i] = rec[c]
			}
			t.Rows = append(t.Rows, Row{CreatedAt: ts, Values: values})
		}
	}

	t.Columns = Relabel(t.Columns, pages[0].Channel)
	return t, nil
}

// Relabel returns columns with every "fieldN" entry replaced by its label in
// channel. Unknown fields, and labels that would collide, are left unchanged.
func Relabel(columns []string, channel map[string]string) []string {
	out := make([]string, len(columns))
	copy(out, columns)

	used := make(map[string]bool, len(out))
	for _, c := range out {
		used[c] = true
	}
	for i, c := range out {
		if !common.MatchAny(c, fieldPattern) {
			continue
		}
		label := strings.TrimSpace(channel[c])
		if label == "" || used[label] {
			continue
		}
		out[i] = label
		used[label] = true
	}
	return out
}

// columnsOf orders the union of record keys: entry_id first, then fieldN by
// number, then everything else alphabetically.
func columnsOf(pages []Page) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, page := range pages {
		for _, rec := range page.Records {
			for k := range rec {
				if k == IndexColumn || seen[k] {
					continue
				}
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}

	sort.Slice(cols, func(i, j int) bool {
		ri, ni := columnRank(cols[i])
		rj, nj := columnRank(cols[j])
		if ri != rj {
			return ri < rj
		}
		if ni != nj {
			return ni < nj
		}
		return cols[i] < cols[j]
	})
	return cols
}

func columnRank(c string) (rank, num int) {
	if c == "entry_id" {
		return 0, 0
	}
	if common.MatchAny(c, fieldPattern) {
		if n, err := strconv.Atoi(strings.TrimPrefix(c, "field")); err == nil {
			return 1, n
		}
	}
	return 2, 0
}
