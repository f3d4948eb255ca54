package fetch

import "fmt"

// StatusError is a response outside the 2xx range. Client errors (4xx)
// produce it without any retry; server errors produce it only once the
// retry budget is spent.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response %s from %s", e.Status, e.URL)
}
