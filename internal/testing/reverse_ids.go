package testing

// ReverseIDs returns a reversed copy of ids. Message pages come back newest first from storage
// and oldest first from the engine, so tests flip one to compare with the other
func ReverseIDs(ids []string) []string {
	reversed := make([]string, len(ids))
	for i, id := range ids {
		reversed[len(ids)-1-i] = id
	}

	return reversed
}
