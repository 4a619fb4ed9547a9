package devops

// PageFunc fetches one page of a cursor-paginated listing. An empty cursor
// requests the first page. The returned cursor is empty on the final page.
type PageFunc[T any] func(cursor string) (items []T, next string, err error)

// Drain follows a paginated listing to exhaustion and returns the
// concatenation of all pages in order. Each page is consumed before the
// next one is requested. Errors propagate unmodified, no retry happens
// at this level.
func Drain[T any](fetch PageFunc[T]) ([]T, error) {
	var all []T
	cursor := ""
	for {
		items, next, err := fetch(cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}
