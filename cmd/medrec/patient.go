package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/medrec/medrec/internal/records"
)

// ============================================================================
// medrec patient: Record CRUD
// ============================================================================

var patientCmd = &cobra.Command{
	Use:   "patient",
	Short: "Manage patient records",
	Long: `Create, update, retire and view patient records. Diagnosis and
treatment are sealed with the field key before they are stored; every
change and every view is recorded in the audit log.

Which role may do what is decided by the access policy:
  Doctor  add, edit, view
  Nurse   update treatment, view
  Admin   add, delete, view`,
}

func init() {
	patientCmd.AddCommand(patientAddCmd)
	patientCmd.AddCommand(patientEditCmd)
	patientCmd.AddCommand(patientTreatmentCmd)
	patientCmd.AddCommand(patientDeleteCmd)
	patientCmd.AddCommand(patientViewCmd)
	patientCmd.AddCommand(patientListCmd)
	patientCmd.AddCommand(patientStatsCmd)
}

// patientFields backs the flags shared by add and edit.
var patientFields struct {
	name, dob, gender, address, phone, diagnosis, treatment string
}

func addPatientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&patientFields.name, "name", "", "Full name")
	f.StringVar(&patientFields.dob, "dob", "", "Date of birth (YYYY-MM-DD)")
	f.StringVar(&patientFields.gender, "gender", "", "Gender")
	f.StringVar(&patientFields.address, "address", "", "Postal address")
	f.StringVar(&patientFields.phone, "phone", "", "Phone number")
	f.StringVar(&patientFields.diagnosis, "diagnosis", "", "Diagnosis (stored encrypted)")
	f.StringVar(&patientFields.treatment, "treatment", "", "Treatment (stored encrypted)")
}

var patientAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new patient",
	Example: `  medrec patient add --role Doctor --name "Jane Roe" --dob 1980-04-02 \
    --diagnosis "Stage II Diabetes" --treatment Metformin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := actingRole()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.records.Create(cmd.Context(), role, records.Input{
			Name:      patientFields.name,
			DOB:       patientFields.dob,
			Gender:    patientFields.gender,
			Address:   patientFields.address,
			Phone:     patientFields.phone,
			Diagnosis: patientFields.diagnosis,
			Treatment: patientFields.treatment,
		})
		if err != nil {
			return err
		}
		fmt.Printf("[medrec] Patient %s created\n", p.ID)
		return nil
	},
}

var patientEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Update a patient's fields",
	Long:  `Update only the fields whose flags are given. Unchanged values are not audited.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := actingRole()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		var ch records.Changes
		flags := cmd.Flags()
		set := func(flag string, v *string) *string {
			if flags.Changed(flag) {
				return v
			}
			return nil
		}
		ch.Name = set("name", &patientFields.name)
		ch.DOB = set("dob", &patientFields.dob)
		ch.Gender = set("gender", &patientFields.gender)
		ch.Address = set("address", &patientFields.address)
		ch.Phone = set("phone", &patientFields.phone)
		ch.Diagnosis = set("diagnosis", &patientFields.diagnosis)
		ch.Treatment = set("treatment", &patientFields.treatment)

		p, err := a.records.Update(cmd.Context(), role, args[0], ch)
		if err != nil {
			return err
		}
		fmt.Printf("[medrec] Patient %s updated\n", p.ID)
		return nil
	},
}

func init() {
	addPatientFlags(patientAddCmd)
	addPatientFlags(patientEditCmd)
}

var patientTreatmentCmd = &cobra.Command{
	Use:   "treatment <id> <notes>",
	Short: "Replace a patient's treatment notes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := actingRole()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.records.UpdateTreatment(cmd.Context(), role, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("[medrec] Treatment for %s updated\n", args[0])
		return nil
	},
}

var patientDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Retire a patient record",
	Long: `Mark a patient as deleted. The row and its encrypted data are kept so
the audit trail keeps pointing at a real record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := actingRole()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.records.Delete(cmd.Context(), role, args[0]); err != nil {
			return err
		}
		fmt.Printf("[medrec] Patient %s deleted\n", args[0])
		return nil
	},
}

var patientViewCmd = &cobra.Command{
	Use:   "view <id>",
	Short: "Show a patient including decrypted clinical fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := actingRole()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.records.View(cmd.Context(), role, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:        %s\n", rec.ID)
		fmt.Printf("Name:      %s\n", rec.Name)
		fmt.Printf("DOB:       %s\n", rec.DOB)
		fmt.Printf("Gender:    %s\n", rec.Gender)
		fmt.Printf("Address:   %s\n", rec.Address)
		fmt.Printf("Phone:     %s\n", rec.Phone)
		fmt.Printf("Diagnosis: %s\n", rec.Diagnosis)
		fmt.Printf("Treatment: %s\n", rec.Treatment)
		fmt.Printf("Updated:   %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

var patientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List patients (clinical fields stay encrypted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := actingRole()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		patients, err := a.records.List(cmd.Context(), role)
		if err != nil {
			return err
		}
		if len(patients) == 0 {
			fmt.Println("No patients.")
			return nil
		}

		fmt.Printf("%-36s %-24s %-10s %s\n", "ID", "NAME", "DOB", "ENCRYPTED")
		fmt.Printf("%-36s %-24s %-10s %s\n", "--", "----", "---", "---------")
		for _, p := range patients {
			fmt.Printf("%-36s %-24s %-10s %d bytes\n", p.ID, truncate(p.Name, 24), p.DOB, len(p.Sealed))
		}
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

var patientStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show gender and age distribution of current patients",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := actingRole()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.records.Stats(cmd.Context(), role)
		if err != nil {
			return err
		}
		fmt.Printf("Patients: %d\n\n", st.Total)
		fmt.Printf("%-8s %6s %7s\n", "GENDER", "COUNT", "SHARE")
		for _, g := range records.Genders {
			fmt.Printf("%-8s %6d %6.1f%%\n", g, st.Gender[g], st.Percent(st.Gender[g]))
		}
		fmt.Println()
		fmt.Printf("%-8s %6s %7s\n", "AGE", "COUNT", "SHARE")
		for _, band := range records.AgeBands {
			fmt.Printf("%-8s %6d %6.1f%%\n", band, st.Age[band], st.Percent(st.Age[band]))
		}
		return nil
	},
}
