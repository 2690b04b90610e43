package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/PostOpCall/internal/call"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/util"
)

// createPatientRequest is the body of POST /patients.
type createPatientRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Phone       string `json:"phone" validate:"required"`
	Email       string `json:"email" validate:"omitempty,email"`
	SurgeryType string `json:"surgery_type" validate:"required,max=200"`
	SurgeryDate string `json:"surgery_date" validate:"required,datetime=2006-01-02"`
	Timezone    string `json:"timezone" validate:"omitempty,timezone"`
}

// placeCallRequest is the body of POST /calls.
type placeCallRequest struct {
	PatientID string `json:"patient_id" validate:"required"`
	CallType  string `json:"call_type" validate:"required,oneof=enrollment education preparation final_prep followup"`
}

// enrollmentResult is returned by POST /patients.
type enrollmentResult struct {
	Patient  models.Patient             `json:"patient"`
	Schedule []models.CallScheduleEntry `json:"schedule"`
}

// validationError turns validator failures into the first failing field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return models.NewValidationError(strings.ToLower(fe.Field()), reason)
	}
	return models.NewValidationError("body", err.Error())
}

// decodeJSON decodes and validates a JSON body into v.
func (s *Server) decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return models.NewValidationError("body", "required")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.NewValidationError("body", "invalid JSON format")
	}
	if err := s.validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

// createPatientHandler handles POST /patients.
func (s *Server) createPatientHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createPatientHandler: processing request", "method", r.Method, "path", r.URL.Path)
	var req createPatientRequest
	if err := s.decodeJSON(r, &req); err != nil {
		slog.Warn("Server.createPatientHandler: invalid request", "error", err)
		writeError(w, err)
		return
	}

	phone, err := util.CanonicalizePhone(req.Phone, s.opts.PhoneRegion)
	if err != nil {
		slog.Warn("Server.createPatientHandler: phone validation failed", "error", err, "phone", req.Phone)
		writeError(w, models.NewValidationError("phone", err.Error()))
		return
	}
	surgery, err := time.Parse(time.DateOnly, req.SurgeryDate)
	if err != nil {
		writeError(w, models.NewValidationError("surgery_date", "must be YYYY-MM-DD"))
		return
	}

	patient := models.Patient{
		ID:          util.NewPatientID(),
		Name:        strings.TrimSpace(req.Name),
		Phone:       phone,
		Email:       req.Email,
		SurgeryType: strings.TrimSpace(req.SurgeryType),
		SurgeryDate: surgery,
		Timezone:    req.Timezone,
		CreatedAt:   time.Now().UTC(),
	}
	entries, err := s.enroller.Enroll(r.Context(), patient)
	if err != nil {
		slog.Error("Server.createPatientHandler: enrollment failed", "error", err, "patientID", patient.ID)
		writeError(w, err)
		return
	}

	slog.Info("Server.createPatientHandler: patient enrolled", "patientID", patient.ID, "entries", len(entries))
	writeJSONResponse(w, http.StatusCreated, models.Scheduled(enrollmentResult{Patient: patient, Schedule: entries}))
}

// getPatientHandler handles GET /patients/{id}.
func (s *Server) getPatientHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.st.GetPatient(id)
	if err != nil {
		slog.Error("Server.getPatientHandler: lookup failed", "patientID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load patient"))
		return
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// scheduleHandler handles GET /patients/{id}/schedule.
func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.st.GetPatient(id)
	if err != nil {
		slog.Error("Server.scheduleHandler: lookup failed", "patientID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load patient"))
		return
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	entries, err := s.st.GetSchedule(id)
	if err != nil {
		slog.Error("Server.scheduleHandler: schedule lookup failed", "patientID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load schedule"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// placeCallHandler handles POST /calls.
func (s *Server) placeCallHandler(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := s.decodeJSON(r, &req); err != nil {
		slog.Warn("Server.placeCallHandler: invalid request", "error", err)
		writeError(w, err)
		return
	}
	p, err := s.st.GetPatient(req.PatientID)
	if err != nil {
		slog.Error("Server.placeCallHandler: lookup failed", "patientID", req.PatientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load patient"))
		return
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}

	rec, err := s.orch.PlaceCall(r.Context(), call.PlaceRequest{
		PatientID:   p.ID,
		CallType:    models.CallType(req.CallType),
		To:          p.Phone,
		PatientName: p.Name,
		SurgeryType: p.SurgeryType,
	})
	if err != nil {
		slog.Error("Server.placeCallHandler: call not placed", "patientID", p.ID, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Dialing(rec))
}

// activeCallsHandler handles GET /calls: the sessions currently in memory.
func (s *Server) activeCallsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.orch.Active()))
}

// getCallHandler handles GET /calls/{id}. Live sessions are served from memory, finished
// ones from the store.
func (s *Server) getCallHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if view, ok := s.orch.Snapshot(id); ok {
		writeJSONResponse(w, http.StatusOK, models.Success(view))
		return
	}

	view, err := s.storedCall(id)
	if err != nil {
		slog.Error("Server.getCallHandler: lookup failed", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load call"))
		return
	}
	if view == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Call not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) storedCall(id string) (*call.View, error) {
	rec, err := s.st.GetCallRecord(id)
	if err != nil || rec == nil {
		return nil, err
	}
	entries, err := s.st.GetTranscript(id)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	alerts, err := s.st.GetAlerts(id)
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}
	return &call.View{Record: *rec, Transcript: entries, Alerts: alerts}, nil
}

// alertsHandler handles GET /alerts[?session_id=].
func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.st.GetAlerts(r.URL.Query().Get("session_id"))
	if err != nil {
		slog.Error("Server.alertsHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load alerts"))
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(alerts))
}

// notificationsHandler handles GET /notifications[?patient_id=].
func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	notes, err := s.st.GetNotifications(r.URL.Query().Get("patient_id"))
	if err != nil {
		slog.Error("Server.notificationsHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load notifications"))
		return
	}
	if notes == nil {
		notes = []models.Notification{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(notes))
}
