package backbone

import "github.com/tphakala/faceid/internal/logger"

func getLogger() logger.Logger {
	return logger.Global().Module("backbone")
}
