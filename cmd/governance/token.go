package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"governance-backend/storage"
)

var (
	tokenMint   string
	tokenOwner  string
	tokenAmount uint64
)

func init() {
	tokenCmd.PersistentFlags().StringVar(&tokenMint, "mint", "", "Mint address (defaults to token_mint from the config)")
	mintToCmd.Flags().StringVar(&tokenOwner, "to", "", "Receiving owner address")
	mintToCmd.Flags().Uint64Var(&tokenAmount, "amount", 0, "Amount in base units")
	mintToCmd.MarkFlagRequired("to")
	mintToCmd.MarkFlagRequired("amount")
	balanceCmd.Flags().StringVar(&tokenOwner, "owner", "", "Owner address")
	balanceCmd.MarkFlagRequired("owner")

	tokenCmd.AddCommand(createMintCmd, mintToCmd, balanceCmd)
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the fee token",
}

func mintAddress(n *node) (common.Address, error) {
	if tokenMint != "" {
		return parseAddress("mint", tokenMint)
	}
	if n.cfg.TokenMint == (common.Address{}) {
		return common.Address{}, fmt.Errorf("no mint: pass --mint or set token_mint in the config")
	}
	return n.cfg.TokenMint, nil
}

var createMintCmd = &cobra.Command{
	Use:   "create-mint",
	Short: "Create a mint owned by the signer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		authority, err := signer()
		if err != nil {
			return err
		}
		mint, err := mintAddress(n)
		if err != nil {
			return err
		}
		err = n.ledger.Execute(cmd.Context(), func(tx *storage.Txn) error {
			if err := n.bank.CreateMint(tx, mint, authority); err != nil {
				return err
			}
			return n.bank.EnsureAccount(tx, authority, mint)
		})
		if err != nil {
			return err
		}
		fmt.Printf("mint %s created, authority %s\n", mint.Hex(), authority.Hex())
		return nil
	},
}

var mintToCmd = &cobra.Command{
	Use:   "mint-to",
	Short: "Mint tokens to an owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		authority, err := signer()
		if err != nil {
			return err
		}
		mint, err := mintAddress(n)
		if err != nil {
			return err
		}
		owner, err := parseAddress("to", tokenOwner)
		if err != nil {
			return err
		}
		err = n.ledger.Execute(cmd.Context(), func(tx *storage.Txn) error {
			return n.bank.MintTo(tx, mint, authority, owner, tokenAmount)
		})
		if err != nil {
			return err
		}
		fmt.Printf("minted %d to %s\n", tokenAmount, owner.Hex())
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the balance of an owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		mint, err := mintAddress(n)
		if err != nil {
			return err
		}
		owner, err := parseAddress("owner", tokenOwner)
		if err != nil {
			return err
		}
		var balance uint64
		err = n.ledger.View(cmd.Context(), func(tx *storage.Txn) error {
			balance, err = n.bank.Balance(tx, owner, mint)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Println(balance)
		return nil
	},
}
