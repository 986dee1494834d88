package commitlog

import "time"

const rfc3339Nano = time.RFC3339Nano

func parseRFC3339Nano(s string) (time.Time, error) {
	return time.Parse(rfc3339Nano, s)
}
