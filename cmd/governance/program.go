package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var (
	initMint         string
	initTokenProgram string
	fee              uint64
	subjectID        string
	voteRound        uint64
	voterKeyHex      string
	tallyRound       uint64
)

func init() {
	initCmd.Flags().StringVar(&initMint, "mint", "", "Token mint paying the vote fee (defaults to token_mint from the config)")
	initCmd.Flags().StringVar(&initTokenProgram, "token-program", "", "Token program id (defaults to token_program_id from the config)")
	initCmd.Flags().Uint64Var(&fee, "fee", 0, "Vote fee in base token units")

	changeFeeCmd.Flags().Uint64Var(&fee, "fee", 0, "New vote fee in base token units")
	changeFeeCmd.MarkFlagRequired("fee")

	addProjectCmd.Flags().StringVar(&subjectID, "id", "", "Project id, at most 50 bytes")
	addProjectCmd.MarkFlagRequired("id")

	voteCmd.Flags().StringVar(&subjectID, "id", "", "Project id to vote for")
	voteCmd.Flags().Uint64Var(&voteRound, "round", 0, "Round the project was registered in (defaults to the current round)")
	voteCmd.Flags().StringVar(&voterKeyHex, "voter-key", "", "Hex encoded private key of the voter")
	voteCmd.MarkFlagRequired("id")
	voteCmd.MarkFlagRequired("voter-key")

	tallyCmd.Flags().Uint64Var(&tallyRound, "round", 0, "Round to tally (defaults to the current round)")

	rootCmd.AddCommand(initCmd, incrementRoundCmd, changeFeeCmd, getRoundCmd, addProjectCmd, voteCmd, tallyCmd, keygenCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the vote manager",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		owner, err := signer()
		if err != nil {
			return err
		}
		mint, tokenProgram := n.cfg.TokenMint, n.cfg.TokenProgramID
		if initMint != "" {
			if mint, err = parseAddress("mint", initMint); err != nil {
				return err
			}
		}
		if initTokenProgram != "" {
			if tokenProgram, err = parseAddress("token-program", initTokenProgram); err != nil {
				return err
			}
		}
		if err := n.engine.Initialize(cmd.Context(), owner, mint, tokenProgram, fee); err != nil {
			return err
		}
		fmt.Printf("vote manager %s initialized: round 1, fee %d\n", n.engine.ManagerKey().Hex(), fee)
		return nil
	},
}

var incrementRoundCmd = &cobra.Command{
	Use:   "increment-round",
	Short: "Start the next vote round",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		owner, err := signer()
		if err != nil {
			return err
		}
		round, err := n.engine.IncrementRound(cmd.Context(), owner)
		if err != nil {
			return err
		}
		fmt.Printf("round %d\n", round)
		return nil
	},
}

var changeFeeCmd = &cobra.Command{
	Use:   "change-fee",
	Short: "Set the vote fee",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		owner, err := signer()
		if err != nil {
			return err
		}
		if err := n.engine.ChangeFee(cmd.Context(), owner, fee); err != nil {
			return err
		}
		fmt.Printf("fee %d\n", fee)
		return nil
	},
}

var getRoundCmd = &cobra.Command{
	Use:   "get-round",
	Short: "Print the current round",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		round, err := n.engine.Round(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(round)
		return nil
	},
}

var addProjectCmd = &cobra.Command{
	Use:   "add-project",
	Short: "Register a project for the current round",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		owner, err := signer()
		if err != nil {
			return err
		}
		p, err := n.engine.AddProject(cmd.Context(), owner, subjectID)
		if err != nil {
			return err
		}
		fmt.Printf("project %q registered for round %d\n", p.SubjectID, p.Round)
		return nil
	},
}

// voteCmd tops the voter up from the admin's account before voting, so --key
// must be the admin's.
var voteCmd = &cobra.Command{
	Use:   "vote",
	Short: "Fund the voter if needed and cast a ballot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		ctx := cmd.Context()

		admin, err := signer()
		if err != nil {
			return err
		}
		voterKey, err := parseKey(voterKeyHex)
		if err != nil {
			return err
		}
		voter := crypto.PubkeyToAddress(voterKey.PublicKey)

		vm, err := n.engine.Manager(ctx)
		if err != nil {
			return err
		}
		round := voteRound
		if round == 0 {
			round = vm.VoteRound
		}

		sent, err := n.engine.EnsureCanVote(ctx, admin, voter, vm.VoteFee)
		if err != nil {
			return err
		}
		if sent > 0 {
			fmt.Printf("funded %s with %d\n", voter.Hex(), sent)
		}

		ballot, err := n.engine.DoVote(ctx, n.engine.NewVoteRequest(voter, subjectID, round, vm.TokenMint))
		if err != nil {
			return err
		}
		fmt.Printf("%s voted for %q in round %d\n", voter.Hex(), ballot.SubjectID, ballot.Round)
		return nil
	},
}

var tallyCmd = &cobra.Command{
	Use:   "tally",
	Short: "Print the projects of a round by votes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		round := tallyRound
		if round == 0 {
			if round, err = n.engine.Round(cmd.Context()); err != nil {
				return err
			}
		}
		projects, err := n.engine.Tally(cmd.Context(), round)
		if err != nil {
			return err
		}
		fmt.Printf("round %d\n", round)
		for _, p := range projects {
			fmt.Printf("%-50s %d\n", p.SubjectID, p.VoteCount)
		}
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen [file]",
	Short: "Generate a signer key and print its address",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		out := map[string]string{"address": crypto.PubkeyToAddress(key.PublicKey).Hex()}
		if len(args) == 1 {
			if err := crypto.SaveECDSA(args[0], key); err != nil {
				return err
			}
			out["key_file"] = args[0]
		} else {
			out["private_key"] = fmt.Sprintf("%x", crypto.FromECDSA(key))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}
