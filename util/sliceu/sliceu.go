package sliceu

// Last returns the final element. It panics on an empty slice.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Map transforms every element of s with f.
func Map[T, U any](s []T, f func(T) U) []U {
	result := make([]U, len(s))
	for i, v := range s {
		result[i] = f(v)
	}
	return result
}
