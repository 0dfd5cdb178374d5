package mainboilerplate

// Version and BuildDate are populated at build time, eg:
//
//	go build -ldflags "-X go.openblok.dev/framepipe/mainboilerplate.Version=v0.3.0 \
//	  -X go.openblok.dev/framepipe/mainboilerplate.BuildDate=$(date -u +%FT%TZ)"
var (
	Version   = "development"
	BuildDate = "unknown"
)
