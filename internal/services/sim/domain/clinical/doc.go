// Package clinical defines the patient-facing vocabulary shared by the
// simulation core: vitals and their physiologic bounds, orders, and the
// time-stamped history entries recorded during a session.
package clinical
