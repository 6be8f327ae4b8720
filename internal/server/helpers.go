package server

import (
  "encoding/json"
  "net/http"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, payload any) {
  w.Header().Set("Content-Type", "application/json")
  w.WriteHeader(status)
  if payload != nil {
    _ = json.NewEncoder(w).Encode(payload)
  }
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
  dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
  dec.DisallowUnknownFields()
  return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, status int, message string) {
  writeJSON(w, status, map[string]string{"error": message})
}

func writeLNURLError(w http.ResponseWriter, status int, reason string) {
  writeJSON(w, status, map[string]string{"status": "ERROR", "reason": reason})
}
