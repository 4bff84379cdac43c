package repo

import "time"

func defaultNowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
