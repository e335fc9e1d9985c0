package iteru

import "iter"

// Times yields 0 through n-1.
func Times(n int) iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := range n {
			if !yield(i) {
				return
			}
		}
	}
}

// Collect2 drains a two-valued sequence into parallel slices.
func Collect2[T1, T2 any](it iter.Seq2[T1, T2]) ([]T1, []T2) {
	var values1 []T1
	var values2 []T2
	for v1, v2 := range it {
		values1 = append(values1, v1)
		values2 = append(values2, v2)
	}
	return values1, values2
}
