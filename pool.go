package udpstream

import "github.com/valyala/bytebufferpool"

type (
	Buffer = bytebufferpool.ByteBuffer
	Pool   = bytebufferpool.Pool
)
