package recovery

import "regexp"

var (
	transientPattern  = regexp.MustCompile(`(?i)timeout|timed out|connection|network|temporar(y|ily)|rate limit|server error|\b5\d\d\b`)
	definitivePattern = regexp.MustCompile(`(?i)validation|authentication|permission|not found|invalid data|missing required|\b4\d\d\b`)
)

// IsRetryable classifies a stored error message. Definitive failures win
// over transient vocabulary, and messages matching neither are not retried.
func IsRetryable(message string) bool {
	if message == "" || definitivePattern.MatchString(message) {
		return false
	}
	return transientPattern.MatchString(message)
}
