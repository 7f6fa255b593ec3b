package mesh

// Stream is the Go realization of spec.md §4.4's "lazy sequence": an
// unsized, pull-based source of publish items. Passing one as Publish's
// sole argument opens a PUBLISH_IS_CHUNKED / N * PUBLISH_CHUNK /
// PUBLISH_END sequence instead of a single PUBLISH frame, mirroring
// original_source/junction/core/dispatch.py's send_publish check
// (`hasattr(args[0], "__iter__") and not hasattr(args[0], "__len__")`).
// A closed channel is the stream's end; closing it from the producer
// side is this module's equivalent of the Python generator returning.
type Stream <-chan interface{}

// asStream reports whether args is a chunked publish: exactly one
// argument, and that argument a Stream.
func asStream(args []interface{}) (Stream, bool) {
	if len(args) != 1 {
		return nil, false
	}
	s, ok := args[0].(Stream)
	return s, ok
}

// drainStream collects every item a Stream yields into a slice. Used
// where a wire leg has no chunked variant of its own (the client->hub
// proxy leg, per spec.md §4.4's wire table) and so must buffer before
// sending a single frame.
func drainStream(s Stream) []interface{} {
	var items []interface{}
	for item := range s {
		items = append(items, item)
	}
	return items
}
