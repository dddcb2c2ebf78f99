package queue

// DefaultPrefix namespaces every key the queue writes.
const DefaultPrefix = "queue"

// keys holds the Redis key names for one queue namespace:
//
//	{prefix}:main        ZSET  jobID scored by priority band + entry millis
//	{prefix}:delayed     ZSET  jobID scored by execution unix millis
//	{prefix}:inflight    ZSET  jobID scored by visibility deadline millis
//	{prefix}:jobs        HASH  jobID -> JSON body
//	{prefix}:deadletter  LIST  JSON bodies, append-only
type keys struct {
	main       string
	delayed    string
	inflight   string
	jobs       string
	deadLetter string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return keys{
		main:       prefix + ":main",
		delayed:    prefix + ":delayed",
		inflight:   prefix + ":inflight",
		jobs:       prefix + ":jobs",
		deadLetter: prefix + ":deadletter",
	}
}
