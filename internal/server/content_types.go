package server

const (
	jsonContentType     = "application/json; charset=utf-8"
	textContentType     = "text/plain; charset=utf-8"
	playlistContentType = "application/vnd.apple.mpegurl"
)

func hlsContentType(ext string) string {
	switch ext {
	case ".m3u8":
		return playlistContentType
	case ".ts":
		return "video/mp2t"
	case ".m4s", ".mp4":
		return "video/mp4"
	case ".aac":
		return "audio/aac"
	case ".vtt":
		return "text/vtt; charset=utf-8"
	}
	return ""
}
