package buffer

import "errors"

var (
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrPageNotPinned  = errors.New("page is not pinned")
	ErrPagePinned     = errors.New("page is pinned and cannot be evicted")
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
)
