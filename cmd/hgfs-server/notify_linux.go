package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// notifyReady tells systemd the server is ready, along with a human readable status line.
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
func notifyReady(l *logrus.Logger, status string) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debugln("NOTIFY_SOCKET systemd env var not set, not sending ready signal")
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).Error("failed to connect to systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("failed to set the write deadline for the systemd notification socket")
		return
	}

	if _, err := conn.Write([]byte("READY=1\nSTATUS=" + status)); err != nil {
		l.WithError(err).Error("failed to signal the systemd notification socket")
		return
	}

	l.Debugln("notified systemd the server is ready")
}
