package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass bearer and signature checks.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper matches on the registered route, so it works as a Skipper on
// JWTConfig and HMACConfig.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()] || publicPaths[c.Request().URL.Path]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
