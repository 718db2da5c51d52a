package deep

import "encoding/json"

// Copy returns a deep copy of src through a JSON round trip. src must be
// JSON-marshalable; anything else is a programming error.
func Copy[T any](src T) T {
	var dst T
	bytes, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(bytes, &dst)
	if err != nil {
		panic(err)
	}
	return dst
}

// AlterCopy deep-copies src and applies alterator to the copy.
func AlterCopy[T any](src T, alterator func(s *T)) T {
	dst := Copy(src)
	alterator(&dst)
	return dst
}
