// Package logging provides structured logging for iolink.
//
// It wraps Go's log/slog JSON handler. Child loggers carry persistent
// attributes (component, domain, arbitrary key-value pairs) so that a single
// log stream can be filtered per lock domain or per subsystem after the fact.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers created
// via With* methods share the parent's writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/iolink", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	lockLog := logger.WithComponent("lock").WithDomain("cdvd")
//	lockLog.Debug("granted", "caller", 7, "depth", 1)
//	lockLog.Critical("release by non-owner", "caller", 9)
//
// # Rotation
//
//	logger, err := logging.NewLoggerWithRotation(dir, "DEBUG", logging.RotationConfig{
//	    MaxSizeMB:  10,
//	    MaxBackups: 3,
//	})
package logging
