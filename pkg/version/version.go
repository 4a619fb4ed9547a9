package version

//Values are set during application build process
var (
	VERSION  = "latest"
	REVISION = "unknown"
)
